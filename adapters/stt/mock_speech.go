package stt

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

// MockTranscriber replays a script, one line per window, for offline demos and tests.
// Each line is preceded by a partial carrying its first half.
type MockTranscriber struct {
	script   []string
	partials bool
	logger   *zap.Logger
}

var _ repositories.Transcriber = (*MockTranscriber)(nil)

// NewMockTranscriber creates a scripted transcriber. An empty script yields "mock transcript N".
func NewMockTranscriber(script []string, partials bool, logger *zap.Logger) *MockTranscriber {
	return &MockTranscriber{script: script, partials: partials, logger: logger}
}

// Name implements repositories.Transcriber
func (m *MockTranscriber) Name() string { return "mock" }

// Transcribe implements repositories.Transcriber
func (m *MockTranscriber) Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions) (<-chan repositories.TranscriptionResult, error) {
	m.logger.Info("Starting mock transcription", zap.Int("script_lines", len(m.script)))

	return runPerWindow(ctx, m.Name(), m.logger, windows, opts, func(ctx context.Context, w entities.AudioWindow, _ string, emit func(repositories.TranscriptionResult) bool) (string, *float64, error) {
		text := m.line(w.Seq)
		if m.partials {
			words := strings.Fields(text)
			if half := len(words) / 2; half > 0 {
				emit(repositories.TranscriptionResult{Text: strings.Join(words[:half], " "), Language: opts.Language})
			}
		}
		confidence := 1.0
		return text, &confidence, nil
	}), nil
}

func (m *MockTranscriber) line(seq uint64) string {
	if len(m.script) == 0 {
		return "mock transcript " + strconv.FormatUint(seq, 10)
	}
	if seq == 0 {
		return m.script[0]
	}
	return m.script[(seq-1)%uint64(len(m.script))]
}
