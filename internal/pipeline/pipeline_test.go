package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opentranslive/server/adapters/llm"
	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
	"github.com/opentranslive/server/internal/audio"
	"github.com/opentranslive/server/internal/keywords"
	"github.com/opentranslive/server/internal/translate"
)

const testWindows = 10

// silence returns n windows of 100ms, which the test segmenter config emits one per frame.
func silence(n int) audio.Source {
	format := entities.DefaultAudioFormat
	pcm := make([]byte, n*format.Bytes(100*time.Millisecond))
	return audio.NewReaderSource("test", io.NopCloser(bytes.NewReader(pcm)), format, false)
}

func testConfig() Config {
	return Config{
		SessionID: "demo",
		Language:  "en",
		Segmenter: audio.SegmenterConfig{
			Window:          100 * time.Millisecond,
			EnergyThreshold: 1000,
			PauseThreshold:  time.Second,
		},
		WindowQueue: 64,
		StartedAt:   time.Unix(1700000000, 0),
	}
}

type fakeTranscriber struct {
	errs     map[uint64]error
	partials bool
	delay    time.Duration
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions) (<-chan repositories.TranscriptionResult, error) {
	out := make(chan repositories.TranscriptionResult)
	go func() {
		defer close(out)
		send := func(r repositories.TranscriptionResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for w := range windows {
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			if err := f.errs[w.Seq]; err != nil {
				if !send(repositories.TranscriptionResult{WindowSeq: w.Seq, Err: err}) {
					return
				}
				continue
			}
			if f.partials && !send(repositories.TranscriptionResult{Text: fmt.Sprintf("partial %d", w.Seq), WindowSeq: w.Seq}) {
				return
			}
			if !send(repositories.TranscriptionResult{
				Text:      fmt.Sprintf("segment %d", w.Seq),
				IsFinal:   true,
				Start:     w.FreshOffset(),
				End:       w.End(),
				WindowSeq: w.Seq,
			}) {
				return
			}
		}
	}()
	return out, nil
}

// gatedLLM wraps the mock model and lets tests hold or fail individual calls.
type gatedLLM struct {
	inner *llm.MockLLM
	hold  func(prompt string) <-chan struct{}
	fail  bool
	calls atomic.Int32
}

func (g *gatedLLM) Generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error) {
	g.calls.Add(1)
	if g.fail {
		return "", errors.New("model unavailable")
	}
	if g.hold != nil {
		if gate := g.hold(prompt); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return g.inner.Generate(ctx, system, prompt, jsonOutput)
}

type recordingSink struct {
	mu       sync.Mutex
	inputs   []entities.SegmentInput
	partials []entities.PartialTranscript
}

func (s *recordingSink) Deliver(ctx context.Context, in entities.SegmentInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *recordingSink) Partial(ctx context.Context, p entities.PartialTranscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, p)
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inputs))
	for _, in := range s.inputs {
		out = append(out, in.RawText)
	}
	return out
}

func newTranslator(t *testing.T, model repositories.LargeLanguageModel) *translate.Translator {
	t.Helper()
	tr, err := translate.New(model, translate.Config{
		TargetLanguages: []string{"ja"},
		RetryBackoff:    time.Millisecond,
		AttemptTimeout:  5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func expectedTexts(skip ...uint64) []string {
	skipped := map[uint64]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	var out []string
	for i := uint64(1); i <= testWindows; i++ {
		if !skipped[i] {
			out = append(out, fmt.Sprintf("segment %d", i))
		}
	}
	return out
}

func TestDeliveryOrderSurvivesOutOfOrderTranslation(t *testing.T) {
	first := make(chan struct{})
	model := &gatedLLM{inner: llm.NewMockLLM(), hold: func(prompt string) <-chan struct{} {
		if strings.Contains(prompt, "<correct_this>\nsegment 1\n") {
			return first
		}
		return nil
	}}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Workers = 3

	p, err := New(cfg, silence(testWindows), &fakeTranscriber{}, nil, newTranslator(t, model), sink, zap.NewNop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	// Later segments finish translating while the first is held.
	require.Eventually(t, func() bool { return model.calls.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.texts())
	close(first)

	require.NoError(t, <-errCh)
	assert.Equal(t, expectedTexts(), sink.texts())

	for _, in := range sink.inputs {
		assert.Equal(t, entities.TranslationComplete, in.TranslationStatus)
		assert.Equal(t, "[ja] "+in.RawText, in.Translations["ja"])
		assert.GreaterOrEqual(t, in.StartTime, 1700000000.0)
		assert.GreaterOrEqual(t, in.EndTime, in.StartTime)
	}
	assert.Equal(t, uint64(testWindows), p.Stats().Segments)
}

func TestQueueOverflowDeliversUntranslatedInOrder(t *testing.T) {
	release := make(chan struct{})
	model := &gatedLLM{inner: llm.NewMockLLM(), hold: func(string) <-chan struct{} { return release }}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.TranscriptQueue = 1
	cfg.EnqueueTimeout = 50 * time.Millisecond

	p, err := New(cfg, silence(testWindows), &fakeTranscriber{}, nil, newTranslator(t, model), sink, zap.NewNop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.Stats().Overflowed >= testWindows-2 }, 3*time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-errCh)

	assert.Equal(t, expectedTexts(), sink.texts())
	var complete, unavailable int
	for _, in := range sink.inputs {
		switch in.TranslationStatus {
		case entities.TranslationComplete:
			complete++
		case entities.TranslationUnavailable:
			unavailable++
			assert.Empty(t, in.Translations)
		}
	}
	assert.Equal(t, 2, complete)
	assert.Equal(t, testWindows-2, unavailable)
}

func TestTranslationFailureStillDelivers(t *testing.T) {
	model := &gatedLLM{inner: llm.NewMockLLM(), fail: true}
	sink := &recordingSink{}

	p, err := New(testConfig(), silence(testWindows), &fakeTranscriber{}, nil, newTranslator(t, model), sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, expectedTexts(), sink.texts())
	for _, in := range sink.inputs {
		assert.Equal(t, entities.TranslationUnavailable, in.TranslationStatus)
		assert.NotNil(t, in.Translations)
		assert.Empty(t, in.Translations)
	}
	assert.Equal(t, uint64(testWindows), p.Stats().TranslationFailures)
	assert.Equal(t, int32(2*testWindows), model.calls.Load())
}

func TestWithoutTranslatorSegmentsAreSkipped(t *testing.T) {
	sink := &recordingSink{}
	kw := keywords.NewSet(keywords.Config{})

	p, err := New(testConfig(), silence(testWindows), &fakeTranscriber{}, kw, nil, sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, sink.inputs, testWindows)
	assert.Equal(t, entities.TranslationSkipped, sink.inputs[0].TranslationStatus)
	assert.Contains(t, kw.Top(5), "segment")
}

func TestTranscriberErrorDropsOnlyThatWindow(t *testing.T) {
	sink := &recordingSink{}
	transcriber := &fakeTranscriber{errs: map[uint64]error{
		2: &domain.TranscriberError{Engine: "fake", WindowSeq: 2, Err: errors.New("timeout")},
	}}

	p, err := New(testConfig(), silence(testWindows), transcriber, nil, nil, sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, expectedTexts(2), sink.texts())
	assert.Equal(t, uint64(1), p.Stats().TranscriberErrors)
}

func TestPermanentTranscriberErrorStopsPipeline(t *testing.T) {
	sink := &recordingSink{}
	transcriber := &fakeTranscriber{errs: map[uint64]error{
		3: &domain.TranscriberError{Engine: "fake", WindowSeq: 3, Permanent: true, Err: errors.New("unauthorized")},
	}}

	p, err := New(testConfig(), silence(testWindows), transcriber, nil, nil, sink, zap.NewNop())
	require.NoError(t, err)
	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	// Segments already in flight may or may not land, but never out of order.
	got := sink.texts()
	require.LessOrEqual(t, len(got), 2)
	assert.Equal(t, expectedTexts()[:len(got)], got)
}

func TestPartialsAreThrottled(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.PartialInterval = time.Hour

	p, err := New(cfg, silence(testWindows), &fakeTranscriber{partials: true}, nil, nil, sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, sink.partials, 1)
	assert.Equal(t, "partial 1", sink.partials[0].Text)
	assert.Len(t, sink.inputs, testWindows)
}

func TestCaptureErrorIsReturned(t *testing.T) {
	src := audio.NewReaderSource("broken", io.NopCloser(&failingReader{}), entities.DefaultAudioFormat, false)
	p, err := New(testConfig(), src, &fakeTranscriber{}, nil, nil, &recordingSink{}, zap.NewNop())
	require.NoError(t, err)

	err = p.Run(context.Background())
	var captureErr *domain.CaptureError
	assert.ErrorAs(t, err, &captureErr)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestNewValidates(t *testing.T) {
	_, err := New(Config{SessionID: ""}, silence(1), &fakeTranscriber{}, nil, nil, &recordingSink{}, zap.NewNop())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Segmenter.Overlap = cfg.Segmenter.Window
	_, err = New(cfg, silence(1), &fakeTranscriber{}, nil, nil, &recordingSink{}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(testConfig(), silence(1), nil, nil, nil, &recordingSink{}, zap.NewNop())
	assert.Error(t, err)
}

func TestTrimOverlap(t *testing.T) {
	tests := []struct {
		prev, next, want string
	}{
		{"we will talk about", "talk about open data", "open data"},
		{"the budget, Taiwan.", "Taiwan is next", "is next"},
		{"hello world", "something else", "something else"},
		{"it is", "is it", "is it"},
		{"", "  fresh start ", "fresh start"},
		{"same words here", "same words here", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trimOverlap(tt.prev, tt.next), "%q + %q", tt.prev, tt.next)
	}
}

func TestContextWindowPrefersCorrected(t *testing.T) {
	w := newContextWindow(2)
	assert.Empty(t, w.add(1, "one"))
	assert.Equal(t, []string{"one"}, w.add(2, "two"))
	w.correct(1, "One.")
	w.correct(2, "")
	assert.Equal(t, []string{"One.", "two"}, w.add(3, "three"))
	assert.Equal(t, []string{"two", "three"}, w.add(4, "four"))
}

func TestCancelledRunDeliversNothingFurther(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	model := &gatedLLM{inner: llm.NewMockLLM(), hold: func(string) <-chan struct{} { return gate }}
	sink := &recordingSink{}

	p, err := New(testConfig(), silence(testWindows), &fakeTranscriber{}, nil, newTranslator(t, model), sink, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return model.calls.Load() >= 1 }, 3*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
	assert.Empty(t, sink.texts())
	assert.Greater(t, p.Stats().Discarded, uint64(0))
}

func TestFeedNeverHandsOutWindowsBehindQueueBound(t *testing.T) {
	const capacity = 3
	cadence := 5 * time.Millisecond
	queue := audio.NewWindowQueue(capacity, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	windows := make(chan entities.AudioWindow)
	go func() {
		defer close(windows)
		feed(ctx, queue, windows)
	}()

	var latest atomic.Uint64
	go func() {
		for i := uint64(1); i <= 60; i++ {
			queue.Push(entities.AudioWindow{Seq: i})
			latest.Store(i)
			time.Sleep(cadence)
		}
		queue.Close()
	}()

	var processed []uint64
	for w := range windows {
		// Pushes may land between the handoff and this read, hence the slack of one.
		assert.LessOrEqual(t, latest.Load(), w.Seq+capacity+1,
			"window %d handed out too far behind the newest window", w.Seq)
		processed = append(processed, w.Seq)
		time.Sleep(5 * cadence)
	}

	require.NotEmpty(t, processed)
	assert.Greater(t, queue.Dropped(), uint64(0))
	assert.Equal(t, uint64(60), processed[len(processed)-1], "the newest window is still transcribed")
	for i := 1; i < len(processed); i++ {
		assert.Greater(t, processed[i], processed[i-1])
	}
}

func TestDroppedWindowsAreLoggedOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testConfig()
	cfg.WindowQueue = 2
	sink := &recordingSink{}

	p, err := New(cfg, silence(30), &fakeTranscriber{delay: 10 * time.Millisecond}, nil, nil, sink, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	dropped := p.Stats().WindowsDropped
	require.Greater(t, dropped, uint64(0))
	assert.Equal(t, int(dropped), logs.FilterMessageSnippet("dropped").Len())
}
