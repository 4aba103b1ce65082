package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
)

// SegmenterConfig controls window cadence and utterance detection.
type SegmenterConfig struct {
	// Window is the total length of a window including carried overlap.
	Window time.Duration
	// Overlap is the audio repeated from the tail of the previous window.
	Overlap time.Duration
	// EnergyThreshold is the RMS level (int16 scale) above which a frame counts as speech.
	EnergyThreshold float64
	// PauseThreshold is the silence after speech that ends an utterance early.
	PauseThreshold time.Duration
	// MinUtterance is the least fresh audio an early window may carry.
	MinUtterance time.Duration
}

// DefaultSegmenterConfig mirrors a 5s record timeout with a 1s pause threshold.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Window:          5 * time.Second,
		Overlap:         650 * time.Millisecond,
		EnergyThreshold: 100,
		PauseThreshold:  time.Second,
		MinUtterance:    500 * time.Millisecond,
	}
}

// Validate checks the window invariants.
func (c SegmenterConfig) Validate() error {
	if c.Window <= 0 {
		return errors.New("window duration must be positive")
	}
	if c.Overlap < 0 {
		return errors.New("overlap duration must not be negative")
	}
	if c.Overlap >= c.Window {
		return errors.New("overlap duration must be shorter than window duration")
	}
	if c.EnergyThreshold < 0 {
		return errors.New("energy threshold must not be negative")
	}
	return nil
}

// Segmenter turns a frame stream into overlapping AudioWindows. It never blocks on the
// consumer: windows go to a drop-oldest WindowQueue.
type Segmenter struct {
	cfg    SegmenterConfig
	format entities.AudioFormat
	queue  *WindowQueue
	logger *zap.Logger
	now    func() time.Time

	windowBytes  int
	overlapBytes int
	minBytes     int

	seq      uint64
	carry    []byte
	fresh    []byte
	consumed int64 // stream bytes already emitted as fresh audio

	inSpeech bool
	silence  time.Duration
}

// NewSegmenter validates cfg and binds the segmenter to queue.
func NewSegmenter(cfg SegmenterConfig, format entities.AudioFormat, queue *WindowQueue, logger *zap.Logger) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if format.FrameSize() == 0 || format.SampleRate == 0 {
		return nil, errors.New("invalid audio format")
	}
	s := &Segmenter{
		cfg:          cfg,
		format:       format,
		queue:        queue,
		logger:       logger,
		now:          time.Now,
		windowBytes:  format.Bytes(cfg.Window),
		overlapBytes: format.Bytes(cfg.Overlap),
		minBytes:     format.Bytes(cfg.MinUtterance),
	}
	if s.overlapBytes >= s.windowBytes {
		return nil, errors.New("overlap rounds up to the full window at this sample rate")
	}
	return s, nil
}

// Run feeds frames until the channel closes or ctx ends, then flushes the remainder.
func (s *Segmenter) Run(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				s.Flush()
				return
			}
			s.Feed(frame)
		case <-ctx.Done():
			return
		}
	}
}

// Feed consumes one frame and emits any windows it completes.
func (s *Segmenter) Feed(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.fresh = append(s.fresh, frame...)
	s.trackEnergy(frame)

	for len(s.carry)+len(s.fresh) >= s.windowBytes {
		s.emit(s.windowBytes-len(s.carry), false, false)
	}

	if s.inSpeech && s.silence >= s.cfg.PauseThreshold && len(s.fresh) >= s.minBytes && len(s.fresh) > 0 {
		s.emit(len(s.fresh), true, false)
	}
}

// Flush emits whatever fresh audio remains as the final window.
func (s *Segmenter) Flush() {
	if len(s.fresh) == 0 {
		return
	}
	s.emit(len(s.fresh), false, true)
}

func (s *Segmenter) emit(n int, boundary, final bool) {
	samples := make([]byte, 0, len(s.carry)+n)
	samples = append(samples, s.carry...)
	samples = append(samples, s.fresh[:n]...)

	s.seq++
	w := entities.AudioWindow{
		Seq:         s.seq,
		Samples:     samples,
		CarryBytes:  len(s.carry),
		Format:      s.format,
		StartOffset: s.format.Duration(int(s.consumed) - len(s.carry)),
		CapturedAt:  s.now(),
		Boundary:    boundary,
		Final:       final,
	}

	s.consumed += int64(n)
	s.fresh = append([]byte{}, s.fresh[n:]...)

	tail := s.overlapBytes
	if tail > len(samples) {
		tail = len(samples)
	}
	s.carry = append([]byte{}, samples[len(samples)-tail:]...)

	if boundary {
		s.inSpeech = false
		s.silence = 0
	}

	// Evictions are reported by the queue's drop callback.
	s.queue.Push(w)
	s.logger.Debug("Audio window emitted",
		zap.Uint64("window_seq", w.Seq),
		zap.Bool("boundary", boundary),
		zap.Bool("final", final))
}

func (s *Segmenter) trackEnergy(frame []byte) {
	if RMS(frame) >= s.cfg.EnergyThreshold {
		s.inSpeech = true
		s.silence = 0
		return
	}
	if s.inSpeech {
		s.silence += s.format.Duration(len(frame))
	}
}

// RMS returns the root mean square of s16le samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
