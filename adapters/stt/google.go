package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const (
	defaultGoogleLanguage = "en-US"
	defaultChunkDuration  = 100 * time.Millisecond
	defaultWindowTimeout  = 30 * time.Second
	googleAttempts        = 2
)

// GoogleConfig configures the Google Cloud Speech streaming backend
type GoogleConfig struct {
	Language        string
	CredentialsFile string
	Model           string
	ChunkDuration   time.Duration
	// WindowTimeout bounds one recognition attempt of one window.
	WindowTimeout time.Duration
	RetryDelay    time.Duration
}

type streamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// GoogleSpeechToText streams each window to StreamingRecognize with interim results, so
// partial hypotheses surface while the window is still being recognized.
type GoogleSpeechToText struct {
	cfg    GoogleConfig
	open   streamOpener
	close  func() error
	logger *zap.Logger
}

var _ repositories.Transcriber = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates the speech client up front so bad credentials fail at startup.
func NewGoogleSpeechToText(ctx context.Context, cfg GoogleConfig, logger *zap.Logger) (*GoogleSpeechToText, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, &domain.TranscriberError{Engine: "google", Permanent: true, Err: fmt.Errorf("failed to create speech client: %w", err)}
	}
	g := newGoogleSpeechToText(cfg, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	}, logger)
	g.close = client.Close
	return g, nil
}

func newGoogleSpeechToText(cfg GoogleConfig, open streamOpener, logger *zap.Logger) *GoogleSpeechToText {
	if cfg.Language == "" {
		cfg.Language = defaultGoogleLanguage
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = defaultChunkDuration
	}
	if cfg.WindowTimeout <= 0 {
		cfg.WindowTimeout = defaultWindowTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &GoogleSpeechToText{cfg: cfg, open: open, logger: logger}
}

// Name implements repositories.Transcriber
func (g *GoogleSpeechToText) Name() string { return "google" }

// Close releases the underlying client.
func (g *GoogleSpeechToText) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// Transcribe implements repositories.Transcriber
func (g *GoogleSpeechToText) Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions) (<-chan repositories.TranscriptionResult, error) {
	language := opts.Language
	if language == "" {
		language = g.cfg.Language
	}
	return runPerWindow(ctx, g.Name(), g.logger, windows, opts, func(ctx context.Context, w entities.AudioWindow, bias string, emit func(repositories.TranscriptionResult) bool) (string, *float64, error) {
		return g.recognizeWindow(ctx, w, language, bias, emit)
	}), nil
}

// recognizeWindow runs one bounded attempt per window and retries once after a transient
// failure. Rejected credentials are permanent.
func (g *GoogleSpeechToText) recognizeWindow(ctx context.Context, w entities.AudioWindow, language, bias string, emit func(repositories.TranscriptionResult) bool) (string, *float64, error) {
	var lastErr error
	for attempt := 0; attempt < googleAttempts; attempt++ {
		if attempt > 0 {
			g.logger.Warn("Retrying window after transient error",
				zap.Uint64("window_seq", w.Seq),
				zap.Error(lastErr))
			select {
			case <-time.After(g.cfg.RetryDelay):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.WindowTimeout)
		text, confidence, err := g.recognize(attemptCtx, w, language, bias, emit)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return text, confidence, nil
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if timedOut {
			err = fmt.Errorf("window %d not recognized within %s: %w", w.Seq, g.cfg.WindowTimeout, context.DeadlineExceeded)
		}
		if permanentGoogleError(err) {
			return "", nil, &domain.TranscriberError{Engine: g.Name(), WindowSeq: w.Seq, Permanent: true, Err: err}
		}
		lastErr = err
		if !transientGoogleError(err) {
			break
		}
	}
	return "", nil, lastErr
}

func transientGoogleError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

func permanentGoogleError(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

func (g *GoogleSpeechToText) recognize(ctx context.Context, w entities.AudioWindow, language, bias string, emit func(repositories.TranscriptionResult) bool) (string, *float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := g.open(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(w.Format.SampleRate),
		AudioChannelCount:          int32(w.Format.Channels),
		LanguageCode:               language,
		Model:                      g.cfg.Model,
		EnableAutomaticPunctuation: true,
	}
	if phrases := biasPhrases(bias); len(phrases) > 0 {
		recognitionConfig.SpeechContexts = []*speechpb.SpeechContext{{Phrases: phrases}}
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		return "", nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		chunk := w.Format.Bytes(g.cfg.ChunkDuration)
		if chunk <= 0 {
			chunk = len(w.Samples)
		}
		for off := 0; off < len(w.Samples); off += chunk {
			end := off + chunk
			if end > len(w.Samples) {
				end = len(w.Samples)
			}
			if err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: w.Samples[off:end],
				},
			}); err != nil {
				return fmt.Errorf("failed to send audio data: %w", err)
			}
		}
		return stream.CloseSend()
	})

	var finals []string
	var confSum float32
	var confN int
	var recvErr error
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = fmt.Errorf("failed to receive response: %w", err)
			cancel()
			break
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			if result.GetIsFinal() {
				finals = append(finals, strings.TrimSpace(alts[0].GetTranscript()))
				confSum += alts[0].GetConfidence()
				confN++
				continue
			}
			partial := strings.TrimSpace(strings.Join(append(append([]string{}, finals...), alts[0].GetTranscript()), " "))
			if partial != "" {
				emit(repositories.TranscriptionResult{Text: partial, Language: language})
			}
		}
	}

	if err := eg.Wait(); err != nil && recvErr == nil {
		return "", nil, err
	}
	if recvErr != nil {
		return "", nil, recvErr
	}

	var confidence *float64
	if confN > 0 {
		c := float64(confSum) / float64(confN)
		confidence = &c
	}
	return strings.Join(finals, " "), confidence, nil
}
