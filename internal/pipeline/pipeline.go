// Package pipeline runs one producer: capture, segmentation, transcription, keyword
// learning, translation and ordered delivery to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
	"github.com/opentranslive/server/internal/audio"
	"github.com/opentranslive/server/internal/keywords"
	"github.com/opentranslive/server/internal/translate"
)

const (
	DefaultWindowQueue     = 4
	DefaultTranscriptQueue = 16
	DefaultEnqueueTimeout  = 2 * time.Second
	DefaultWorkers         = 2
	DefaultPartialInterval = 1500 * time.Millisecond

	frameBuffer = 64
)

// Sink receives the pipeline output in transcription order.
type Sink interface {
	Deliver(ctx context.Context, in entities.SegmentInput) error
	Partial(ctx context.Context, partial entities.PartialTranscript) error
}

// Config tunes one pipeline instance.
type Config struct {
	SessionID string
	Language  string
	Segmenter audio.SegmenterConfig

	WindowQueue     int
	TranscriptQueue int
	// EnqueueTimeout is how long a transcript waits for a translation slot before it is
	// delivered untranslated.
	EnqueueTimeout  time.Duration
	Workers         int
	PartialInterval time.Duration
	ContextSegments int

	// StartedAt is the wall-clock time of stream offset zero. Defaults to the start of Run.
	StartedAt time.Time
}

func (c *Config) applyDefaults() {
	if c.WindowQueue <= 0 {
		c.WindowQueue = DefaultWindowQueue
	}
	if c.TranscriptQueue <= 0 {
		c.TranscriptQueue = DefaultTranscriptQueue
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PartialInterval <= 0 {
		c.PartialInterval = DefaultPartialInterval
	}
	if c.ContextSegments <= 0 {
		c.ContextSegments = translate.DefaultContextSegments
	}
}

// Stats are counters of one run.
type Stats struct {
	WindowsDropped      uint64
	TranscriberErrors   uint64
	Segments            uint64
	TranslationFailures uint64
	Overflowed          uint64
	DeliveryFailures    uint64
	// Discarded counts segments finished after the run was cancelled.
	Discarded uint64
}

// Pipeline wires the stages of one producer. A nil translator delivers every segment with
// status skipped.
type Pipeline struct {
	cfg         Config
	source      audio.Source
	transcriber repositories.Transcriber
	keywords    *keywords.Set
	translator  *translate.Translator
	sink        Sink
	logger      *zap.Logger

	windowsDropped      atomic.Uint64
	transcriberErrors   atomic.Uint64
	segments            atomic.Uint64
	translationFailures atomic.Uint64
	overflowed          atomic.Uint64
	deliveryFailures    atomic.Uint64
	discarded           atomic.Uint64
}

// New validates cfg and builds a pipeline. kw may be nil to disable keyword learning.
func New(cfg Config, source audio.Source, transcriber repositories.Transcriber, kw *keywords.Set, translator *translate.Translator, sink Sink, logger *zap.Logger) (*Pipeline, error) {
	if err := entities.ValidateSessionID(cfg.SessionID); err != nil {
		return nil, err
	}
	if source == nil || transcriber == nil || sink == nil {
		return nil, errors.New("pipeline requires a source, a transcriber and a sink")
	}
	if err := cfg.Segmenter.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter config: %w", err)
	}
	cfg.applyDefaults()
	if kw == nil {
		kw = keywords.NewSet(keywords.Config{})
	}
	if translator != nil && cfg.ContextSegments == translate.DefaultContextSegments {
		cfg.ContextSegments = translator.ContextSegments()
	}
	return &Pipeline{
		cfg:         cfg,
		source:      source,
		transcriber: transcriber,
		keywords:    kw,
		translator:  translator,
		sink:        sink,
		logger:      logger.With(zap.String("session_id", cfg.SessionID)),
	}, nil
}

// Stats returns the counters so far.
func (p *Pipeline) Stats() Stats {
	return Stats{
		WindowsDropped:      p.windowsDropped.Load(),
		TranscriberErrors:   p.transcriberErrors.Load(),
		Segments:            p.segments.Load(),
		TranslationFailures: p.translationFailures.Load(),
		Overflowed:          p.overflowed.Load(),
		DeliveryFailures:    p.deliveryFailures.Load(),
		Discarded:           p.discarded.Load(),
	}
}

// job is one final transcript on its way to the sink.
type job struct {
	seq        uint64
	input      entities.SegmentInput
	context    []string
	glossary   string
	translated bool
}

// Run blocks until the source ends and every transcript has been delivered, or until ctx
// is cancelled. A capture failure or a permanent transcriber failure is returned. The
// source is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.source.Close()

	if p.cfg.StartedAt.IsZero() {
		p.cfg.StartedAt = time.Now()
	}

	queue := audio.NewWindowQueue(p.cfg.WindowQueue, func(dropped entities.AudioWindow, total uint64) {
		p.windowsDropped.Store(total)
		p.logger.Warn("Transcriber behind real time, dropped oldest window",
			zap.Uint64("window_seq", dropped.Seq),
			zap.Uint64("dropped_total", total))
	})
	segmenter, err := audio.NewSegmenter(p.cfg.Segmenter, p.source.Format(), queue, p.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	windows := make(chan entities.AudioWindow)
	results, err := p.transcriber.Transcribe(ctx, windows, repositories.TranscribeOptions{
		Language: p.cfg.Language,
		Bias:     p.keywords.BiasContext,
	})
	if err != nil {
		return fmt.Errorf("start transcriber %s: %w", p.transcriber.Name(), err)
	}

	p.logger.Info("Pipeline started",
		zap.String("source", p.source.Name()),
		zap.String("transcriber", p.transcriber.Name()),
		zap.Int("workers", p.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan []byte, frameBuffer)

	g.Go(func() error {
		return p.source.Stream(gctx, frames)
	})

	g.Go(func() error {
		segmenter.Run(gctx, frames)
		queue.Close()
		return nil
	})

	g.Go(func() error {
		defer close(windows)
		feed(gctx, queue, windows)
		return nil
	})

	jobs := make(chan *job, p.cfg.TranscriptQueue)
	done := make(chan *job, p.cfg.TranscriptQueue)
	var producers sync.WaitGroup
	producers.Add(1 + p.cfg.Workers)

	history := newContextWindow(p.cfg.ContextSegments)

	g.Go(func() error {
		defer producers.Done()
		defer close(jobs)
		return p.route(gctx, results, history, jobs, done)
	})

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			defer producers.Done()
			p.translateJobs(gctx, jobs, done)
			return nil
		})
	}

	go func() {
		producers.Wait()
		close(done)
	}()

	g.Go(func() error {
		p.sequence(gctx, history, done)
		return nil
	})

	err = g.Wait()
	stats := p.Stats()
	p.logger.Info("Pipeline stopped",
		zap.Uint64("segments", stats.Segments),
		zap.Uint64("windows_dropped", stats.WindowsDropped),
		zap.Uint64("translation_failures", stats.TranslationFailures),
		zap.Uint64("overflowed", stats.Overflowed),
		zap.Uint64("discarded", stats.Discarded),
		zap.Error(err))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// feed hands queued windows to the transcriber. A window waiting on a busy transcriber is
// discarded for the next queued one once the queue fills behind it, so the transcriber is
// never handed audio further behind than the queue bound.
func feed(ctx context.Context, queue *audio.WindowQueue, windows chan<- entities.AudioWindow) {
	for {
		w, ok := queue.Pop(ctx)
		if !ok {
			return
		}
	send:
		for {
			select {
			case windows <- w:
				break send
			case <-queue.Full():
				if queue.Len() < queue.Cap() {
					continue
				}
				queue.Discard(w)
				if w, ok = queue.Pop(ctx); !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// route turns transcriber results into partial updates and translation jobs.
func (p *Pipeline) route(ctx context.Context, results <-chan repositories.TranscriptionResult, history *contextWindow, jobs chan<- *job, done chan<- *job) error {
	limiter := rate.NewLimiter(rate.Every(p.cfg.PartialInterval), 1)
	var (
		seq       uint64
		lastFinal string
	)

	for r := range results {
		if r.Err != nil {
			p.transcriberErrors.Add(1)
			if domain.IsPermanent(r.Err) {
				return r.Err
			}
			p.logger.Warn("Dropped window after transcription failure",
				zap.Uint64("window_seq", r.WindowSeq),
				zap.Error(r.Err))
			continue
		}

		if !r.IsFinal {
			if r.Text == "" || !limiter.Allow() {
				continue
			}
			partial := entities.PartialTranscript{Text: r.Text, StartTime: p.epoch(r.Start), UpdatedAt: time.Now()}
			if err := p.sink.Partial(ctx, partial); err != nil {
				p.logger.Debug("Partial update not delivered", zap.Error(err))
			}
			continue
		}

		text := trimOverlap(lastFinal, r.Text)
		if text == "" {
			continue
		}
		lastFinal = r.Text
		p.keywords.Observe(text)

		seq++
		j := &job{
			seq: seq,
			input: entities.SegmentInput{
				StartTime: p.epoch(r.Start),
				EndTime:   p.epoch(r.End),
				RawText:   text,
				CreatedAt: time.Now(),
			},
			context:  history.add(seq, text),
			glossary: p.keywords.BiasContext(),
		}
		if j.input.EndTime < j.input.StartTime {
			j.input.EndTime = j.input.StartTime
		}

		if !p.enqueue(ctx, jobs, done, j) {
			return nil
		}
	}
	return nil
}

// enqueue waits up to EnqueueTimeout for a translation slot, then hands j to the sequencer
// untranslated. It reports false when ctx ended.
func (p *Pipeline) enqueue(ctx context.Context, jobs chan<- *job, done chan<- *job, j *job) bool {
	select {
	case jobs <- j:
		return true
	default:
	}

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case jobs <- j:
		return true
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	p.overflowed.Add(1)
	p.logger.Warn("Translation queue full, delivering untranslated",
		zap.Uint64("segment", j.seq),
		zap.Duration("waited", p.cfg.EnqueueTimeout))
	translate.Unavailable(&j.input)
	select {
	case done <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) translateJobs(ctx context.Context, jobs <-chan *job, done chan<- *job) {
	for j := range jobs {
		p.translateJob(ctx, j)
		select {
		case done <- j:
		case <-ctx.Done():
			p.discarded.Add(1)
			return
		}
	}
}

func (p *Pipeline) translateJob(ctx context.Context, j *job) {
	if p.translator == nil {
		j.input.Translations = map[string]string{}
		j.input.TranslationStatus = entities.TranslationSkipped
		return
	}
	res, err := p.translator.Translate(ctx, translate.Request{
		Text:     j.input.RawText,
		Context:  j.context,
		Glossary: j.glossary,
	})
	if err != nil {
		p.translationFailures.Add(1)
		p.logger.Warn("Translation failed, delivering untranslated",
			zap.Uint64("segment", j.seq),
			zap.Error(err))
		translate.Unavailable(&j.input)
		return
	}
	res.Apply(&j.input)
	j.translated = true
	p.keywords.Suggest(res.Keywords)
}

// sequence restores transcription order before handing jobs to the sink.
func (p *Pipeline) sequence(ctx context.Context, history *contextWindow, done <-chan *job) {
	pending := make(map[uint64]*job)
	next := uint64(1)

	for j := range done {
		pending[j.seq] = j
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if ready.translated {
				history.correct(ready.seq, ready.input.CorrectedText)
			}
			p.deliver(ctx, ready)
		}
	}
	if len(pending) > 0 {
		p.logger.Warn("Pipeline stopped with undelivered segments", zap.Int("pending", len(pending)))
	}
}

// deliver hands j to the sink. Once ctx is done nothing more is delivered: the session may
// already be torn down.
func (p *Pipeline) deliver(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		p.discarded.Add(1)
		p.logger.Debug("Pipeline stopped, segment not delivered", zap.Uint64("segment", j.seq))
		return
	}
	if err := p.sink.Deliver(ctx, j.input); err != nil {
		p.deliveryFailures.Add(1)
		p.logger.Error("Failed to deliver segment",
			zap.Uint64("segment", j.seq),
			zap.Error(err))
		return
	}
	p.segments.Add(1)
	p.logger.Debug("Segment delivered",
		zap.Uint64("segment", j.seq),
		zap.String("translation_status", string(j.input.TranslationStatus)))
}

// epoch converts a stream offset to Unix seconds.
func (p *Pipeline) epoch(offset time.Duration) float64 {
	return float64(p.cfg.StartedAt.Add(offset).UnixNano()) / float64(time.Second)
}
