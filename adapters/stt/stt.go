// Package stt holds the speech recognition backends behind repositories.Transcriber.
package stt

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const resultBuffer = 32

// windowFunc transcribes one window, sending any partials through emit. It returns the final
// text for the window, which may be empty when nothing was said.
type windowFunc func(ctx context.Context, w entities.AudioWindow, bias string, emit func(repositories.TranscriptionResult) bool) (string, *float64, error)

// runPerWindow drives request-per-window backends: each window is transcribed in turn and
// per-window failures become results carrying Err. A permanent failure ends the stream.
func runPerWindow(ctx context.Context, engine string, logger *zap.Logger, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions, fn windowFunc) <-chan repositories.TranscriptionResult {
	out := make(chan repositories.TranscriptionResult, resultBuffer)
	go func() {
		defer close(out)
		emit := func(r repositories.TranscriptionResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var w entities.AudioWindow
			var ok bool
			select {
			case w, ok = <-windows:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			text, confidence, err := fn(ctx, w, opts.BiasContext(), func(r repositories.TranscriptionResult) bool {
				r.WindowSeq = w.Seq
				r.Start, r.End = w.StartOffset, w.End()
				return emit(r)
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				terr := asTranscriberError(engine, w.Seq, err)
				logger.Warn("Transcription failed, dropping window",
					zap.String("engine", engine),
					zap.Uint64("window_seq", w.Seq),
					zap.Bool("permanent", terr.Permanent),
					zap.Error(err))
				if !emit(repositories.TranscriptionResult{WindowSeq: w.Seq, Start: w.StartOffset, End: w.End(), Err: terr}) || terr.Permanent {
					return
				}
				continue
			}

			text = CleanFinal(text)
			if text == "" {
				continue
			}
			if !emit(repositories.TranscriptionResult{
				Text:       text,
				Confidence: confidence,
				Language:   opts.Language,
				IsFinal:    true,
				Start:      w.StartOffset,
				End:        w.End(),
				WindowSeq:  w.Seq,
			}) {
				return
			}
		}
	}()
	return out
}

func asTranscriberError(engine string, seq uint64, err error) *domain.TranscriberError {
	var terr *domain.TranscriberError
	if errors.As(err, &terr) {
		if terr.WindowSeq == 0 {
			terr.WindowSeq = seq
		}
		return terr
	}
	return &domain.TranscriberError{Engine: engine, WindowSeq: seq, Err: err}
}

// CleanFinal trims whitespace and trailing commas or full stops from a transcript.
// Question and exclamation marks carry meaning and are kept.
func CleanFinal(text string) string {
	return strings.TrimRightFunc(strings.TrimSpace(text), func(r rune) bool {
		return strings.ContainsRune(",.，。、", r) || unicode.IsSpace(r)
	})
}

// biasPhrases splits a bias context into phrases.
func biasPhrases(bias string) []string {
	var out []string
	for _, p := range strings.Split(bias, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
