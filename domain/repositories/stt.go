package repositories

import (
	"context"
	"time"

	"github.com/opentranslive/server/domain/entities"
)

// Transcriber abstracts speech recognition backends. Windows flow in, results flow out;
// the result channel closes when windows closes or ctx ends. Per-window failures are
// reported through TranscriptionResult.Err and never close the stream.
type Transcriber interface {
	// Name identifies the backend in logs
	Name() string
	// Transcribe starts consuming windows. A returned error is a startup failure.
	Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts TranscribeOptions) (<-chan TranscriptionResult, error)
}

// TranscribeOptions carries per-session recognition settings
type TranscribeOptions struct {
	Language string
	// Bias returns the current steering prompt. It is read once per window or utterance.
	Bias func() string
}

// BiasContext returns the current bias prompt, or "" when none is configured.
func (o TranscribeOptions) BiasContext() string {
	if o.Bias == nil {
		return ""
	}
	return o.Bias()
}

// TranscriptionResult is the backend-agnostic shape every variant emits
type TranscriptionResult struct {
	Text       string
	Confidence *float64
	Language   string
	IsFinal    bool
	Start      time.Duration // offset from stream start
	End        time.Duration
	WindowSeq  uint64
	Err        error
}
