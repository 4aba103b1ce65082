// Package audio captures PCM audio and slices it into overlapping windows for
// transcription.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

// DefaultFrameDuration is the size of each buffer handed from capture to the segmenter.
const DefaultFrameDuration = 100 * time.Millisecond

// Source produces raw PCM frames. A Source owns its device handle; Close releases it and
// is safe to call more than once.
type Source interface {
	Name() string
	Format() entities.AudioFormat
	// Stream sends frames on out until the source ends or ctx is cancelled, then closes
	// out. A device failure is returned as a *domain.CaptureError.
	Stream(ctx context.Context, out chan<- []byte) error
	Close() error
}

// ReaderSource reads s16le PCM from any reader, such as stdin or a raw file.
type ReaderSource struct {
	name     string
	r        io.ReadCloser
	format   entities.AudioFormat
	frame    time.Duration
	realtime bool

	closeOnce sync.Once
	closeErr  error
}

// NewReaderSource wraps r. When realtime is set frames are paced at capture speed,
// which makes file playback behave like a live microphone.
func NewReaderSource(name string, r io.ReadCloser, format entities.AudioFormat, realtime bool) *ReaderSource {
	return &ReaderSource{
		name:     name,
		r:        r,
		format:   format,
		frame:    DefaultFrameDuration,
		realtime: realtime,
	}
}

func (s *ReaderSource) Name() string                 { return s.name }
func (s *ReaderSource) Format() entities.AudioFormat { return s.format }

func (s *ReaderSource) Stream(ctx context.Context, out chan<- []byte) error {
	defer close(out)

	size := s.format.Bytes(s.frame)
	if size <= 0 {
		return &domain.CaptureError{Source: s.name, Err: errors.New("invalid audio format")}
	}

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frame)
		defer ticker.Stop()
	}

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			n -= n % s.format.FrameSize()
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return nil
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &domain.CaptureError{Source: s.name, Err: err}
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.r.Close()
	})
	return s.closeErr
}

// FFmpegSource captures a system audio device through ffmpeg, e.g. input format "pulse"
// with device "default", or "avfoundation" with ":0".
type FFmpegSource struct {
	inputFormat string
	device      string
	format      entities.AudioFormat
	logger      *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	reader *ReaderSource
	closed bool
}

// NewFFmpegSource prepares an ffmpeg capture. Nothing is opened until Stream.
func NewFFmpegSource(inputFormat, device string, format entities.AudioFormat, logger *zap.Logger) *FFmpegSource {
	return &FFmpegSource{
		inputFormat: inputFormat,
		device:      device,
		format:      format,
		logger:      logger,
	}
}

func (s *FFmpegSource) Name() string                 { return "ffmpeg:" + s.inputFormat + ":" + s.device }
func (s *FFmpegSource) Format() entities.AudioFormat { return s.format }

func (s *FFmpegSource) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", s.inputFormat, "-i", s.device,
		"-ac", strconv.Itoa(s.format.Channels),
		"-ar", strconv.Itoa(s.format.SampleRate),
		"-f", "s16le", "-",
	}
}

func (s *FFmpegSource) Stream(ctx context.Context, out chan<- []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return &domain.CaptureError{Source: s.Name(), Err: errors.New("source closed")}
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		close(out)
		return &domain.CaptureError{Source: s.Name(), Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		close(out)
		return &domain.CaptureError{Source: s.Name(), Err: fmt.Errorf("start ffmpeg: %w", err)}
	}
	s.cmd = cmd
	s.reader = NewReaderSource(s.Name(), stdout, s.format, false)
	s.mu.Unlock()

	s.logger.Info("Audio capture started",
		zap.String("source", s.Name()),
		zap.Int("sample_rate", s.format.SampleRate))

	streamErr := s.reader.Stream(ctx, out)
	waitErr := cmd.Wait()

	if streamErr != nil {
		return streamErr
	}
	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return &domain.CaptureError{Source: s.Name(), Err: fmt.Errorf("ffmpeg exited: %w", waitErr)}
	}
	// A live device should never reach EOF on its own.
	return &domain.CaptureError{Source: s.Name(), Err: io.ErrUnexpectedEOF}
}

// Close stops ffmpeg and releases the device.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.reader != nil {
		_ = s.reader.Close()
	}
	s.logger.Info("Audio capture released", zap.String("source", s.Name()))
	return nil
}
