package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

func patternStream(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + i/251)
	}
	return buf
}

func tone(format entities.AudioFormat, d time.Duration, amplitude int16) []byte {
	buf := make([]byte, format.Bytes(d))
	for i := 0; i+1 < len(buf); i += 2 {
		v := amplitude
		if (i/2)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
	}
	return buf
}

func drain(q *WindowQueue) []entities.AudioWindow {
	q.Close()
	var out []entities.AudioWindow
	for {
		w, ok := q.Pop(context.Background())
		if !ok {
			return out
		}
		out = append(out, w)
	}
}

func feedRandomFrames(s *Segmenter, stream []byte, rng *rand.Rand) {
	for off := 0; off < len(stream); {
		n := (rng.Intn(4000) + 2) &^ 1
		if off+n > len(stream) {
			n = len(stream) - off
		}
		s.Feed(stream[off : off+n])
		off += n
	}
	s.Flush()
}

func TestSegmenterCoversEverySampleExactlyOnce(t *testing.T) {
	format := entities.DefaultAudioFormat
	configs := []SegmenterConfig{
		{Window: 5 * time.Second, Overlap: 650 * time.Millisecond, EnergyThreshold: 100, PauseThreshold: time.Second},
		{Window: time.Second, Overlap: 0, EnergyThreshold: 100, PauseThreshold: time.Second},
		{Window: 2 * time.Second, Overlap: 1900 * time.Millisecond, EnergyThreshold: 100, PauseThreshold: time.Second},
		{Window: 3 * time.Second, Overlap: time.Second, EnergyThreshold: 1e9, PauseThreshold: 200 * time.Millisecond},
	}
	rng := rand.New(rand.NewSource(42))

	for _, cfg := range configs {
		stream := patternStream(format.Bytes(17*time.Second) + 6)
		q := NewWindowQueue(10_000, nil)
		s, err := NewSegmenter(cfg, format, q, zap.NewNop())
		require.NoError(t, err)

		feedRandomFrames(s, stream, rng)
		windows := drain(q)
		require.NotEmpty(t, windows)

		var rebuilt []byte
		for i, w := range windows {
			rebuilt = append(rebuilt, w.Fresh()...)
			if i == 0 {
				assert.Zero(t, w.CarryBytes, "first window has no carry")
				continue
			}
			prev := windows[i-1]
			carry := w.Samples[:w.CarryBytes]
			assert.True(t, bytes.HasSuffix(prev.Samples, carry), "carry repeats the tail of the previous window")
			assert.Equal(t, prev.End(), w.FreshOffset(), "no time skipped between windows")
			assert.Equal(t, prev.Seq+1, w.Seq)
		}
		assert.True(t, bytes.Equal(stream, rebuilt), "window %v overlap %v: fresh audio must rebuild the stream", cfg.Window, cfg.Overlap)
		assert.True(t, windows[len(windows)-1].Final)
	}
}

func TestSegmenterSteadyCadence(t *testing.T) {
	format := entities.DefaultAudioFormat
	cfg := SegmenterConfig{Window: 5 * time.Second, Overlap: time.Second, EnergyThreshold: 100, PauseThreshold: time.Second}
	q := NewWindowQueue(100, nil)
	s, err := NewSegmenter(cfg, format, q, zap.NewNop())
	require.NoError(t, err)

	silence := make([]byte, format.Bytes(100*time.Millisecond))
	for i := 0; i < 130; i++ {
		s.Feed(silence)
	}
	windows := drain(q)

	require.Len(t, windows, 3)
	for i, w := range windows {
		assert.Equal(t, 5*time.Second, w.Duration())
		assert.False(t, w.Boundary)
		if i > 0 {
			assert.Equal(t, 4*time.Second, w.StartOffset-windows[i-1].StartOffset, "windows advance by window minus overlap")
			assert.Equal(t, format.Bytes(time.Second), w.CarryBytes)
		}
	}
}

func TestSegmenterEmitsEarlyOnUtteranceBoundary(t *testing.T) {
	format := entities.DefaultAudioFormat
	cfg := SegmenterConfig{
		Window:          5 * time.Second,
		Overlap:         650 * time.Millisecond,
		EnergyThreshold: 100,
		PauseThreshold:  time.Second,
		MinUtterance:    500 * time.Millisecond,
	}
	q := NewWindowQueue(10, nil)
	s, err := NewSegmenter(cfg, format, q, zap.NewNop())
	require.NoError(t, err)

	speech := tone(format, 100*time.Millisecond, 3000)
	silence := make([]byte, format.Bytes(100*time.Millisecond))
	for i := 0; i < 15; i++ {
		s.Feed(speech)
	}
	for i := 0; i < 10; i++ {
		s.Feed(silence)
	}

	require.Equal(t, 1, q.Len())
	w, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.True(t, w.Boundary)
	assert.Equal(t, 2500*time.Millisecond, w.Duration())
}

func TestSegmenterConfigValidate(t *testing.T) {
	assert.Error(t, SegmenterConfig{Window: time.Second, Overlap: time.Second}.Validate())
	assert.Error(t, SegmenterConfig{Window: 0}.Validate())
	assert.Error(t, SegmenterConfig{Window: time.Second, Overlap: -1}.Validate())
	assert.NoError(t, DefaultSegmenterConfig().Validate())
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(make([]byte, 64)))
	assert.InDelta(t, 3000, RMS(tone(entities.DefaultAudioFormat, 10*time.Millisecond, 3000)), 0.001)
}

func TestWindowQueueDropsOldest(t *testing.T) {
	var drops []uint64
	q := NewWindowQueue(3, func(w entities.AudioWindow, total uint64) {
		drops = append(drops, w.Seq)
	})

	for i := uint64(1); i <= 5; i++ {
		q.Push(entities.AudioWindow{Seq: i})
		assert.LessOrEqual(t, q.Len(), 3)
	}

	assert.Equal(t, []uint64{1, 2}, drops)
	assert.Equal(t, uint64(2), q.Dropped())

	got := drain(q)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)
}

func TestWindowQueuePopHonoursContext(t *testing.T) {
	q := NewWindowQueue(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestBackpressureKeepsQueueBoundedAndFresh(t *testing.T) {
	const capacity = 2
	q := NewWindowQueue(capacity, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cadence := 5 * time.Millisecond
	var processed []uint64
	latestAtPop := map[uint64]uint64{}
	var latest uint64
	done := make(chan struct{})

	latestCh := make(chan uint64, 1000)
	go func() {
		defer close(done)
		for {
			w, ok := q.Pop(ctx)
			if !ok {
				return
			}
			for drained := false; !drained; {
				select {
				case v := <-latestCh:
					latest = v
				default:
					drained = true
				}
			}
			processed = append(processed, w.Seq)
			latestAtPop[w.Seq] = latest
			time.Sleep(5 * cadence)
		}
	}()

	for i := uint64(1); i <= 100; i++ {
		q.Push(entities.AudioWindow{Seq: i})
		latestCh <- i
		assert.LessOrEqual(t, q.Len(), capacity)
		time.Sleep(cadence)
	}
	q.Close()
	<-done

	require.NotEmpty(t, processed)
	assert.Greater(t, q.Dropped(), uint64(0))
	for _, seq := range processed {
		assert.GreaterOrEqual(t, seq+capacity+1, latestAtPop[seq],
			"window %d is no older than the queue bound behind the newest window", seq)
	}
	for i := 1; i < len(processed); i++ {
		assert.Greater(t, processed[i], processed[i-1])
	}
}

func TestQueueSignalsFullAndCountsDiscards(t *testing.T) {
	var seen []uint64
	q := NewWindowQueue(2, func(w entities.AudioWindow, total uint64) {
		seen = append(seen, w.Seq)
	})

	q.Push(entities.AudioWindow{Seq: 1})
	select {
	case <-q.Full():
		t.Fatal("full signalled below the bound")
	default:
	}

	q.Push(entities.AudioWindow{Seq: 2})
	select {
	case <-q.Full():
	default:
		t.Fatal("full not signalled at the bound")
	}

	w, ok := q.Pop(context.Background())
	require.True(t, ok)
	q.Discard(w)
	assert.Equal(t, []uint64{1}, seen)
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 1, q.Len())
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n > 0 {
		r.n--
		return copy(p, make([]byte, len(p))), nil
	}
	return 0, errors.New("device unplugged")
}

func TestReaderSourceStreamsFrames(t *testing.T) {
	format := entities.DefaultAudioFormat
	data := patternStream(format.Bytes(350 * time.Millisecond))
	src := NewReaderSource("test", io.NopCloser(bytes.NewReader(data)), format, false)

	out := make(chan []byte, 16)
	require.NoError(t, src.Stream(context.Background(), out))

	var got []byte
	frames := 0
	for f := range out {
		got = append(got, f...)
		frames++
	}
	assert.Equal(t, 4, frames)
	assert.Equal(t, data, got)
	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestReaderSourceReportsCaptureError(t *testing.T) {
	src := NewReaderSource("mic", io.NopCloser(&failingReader{n: 1}), entities.DefaultAudioFormat, false)
	out := make(chan []byte, 16)

	err := src.Stream(context.Background(), out)
	var capErr *domain.CaptureError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "mic", capErr.Source)
}

func TestFFmpegSourceArgs(t *testing.T) {
	src := NewFFmpegSource("pulse", "default", entities.DefaultAudioFormat, zap.NewNop())
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse", "-i", "default",
		"-ac", "1", "-ar", "16000",
		"-f", "s16le", "-",
	}, src.args())
	assert.NoError(t, src.Close())
}
