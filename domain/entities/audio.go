package entities

import "time"

// AudioFormat describes interleaved little-endian PCM.
type AudioFormat struct {
	SampleRate  int `json:"sample_rate"`
	Channels    int `json:"channels"`
	SampleWidth int `json:"sample_width"` // bytes per sample
}

// DefaultAudioFormat is 16 kHz mono s16le, what every transcriber backend accepts.
var DefaultAudioFormat = AudioFormat{SampleRate: 16000, Channels: 1, SampleWidth: 2}

// FrameSize returns the number of bytes per sample frame.
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.SampleWidth
}

// BytesPerSecond returns the byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration converts a byte count to playback time.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes converts a duration to a byte count aligned to whole frames.
func (f AudioFormat) Bytes(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.FrameSize()
}

// AudioWindow is a slice of captured audio handed to a transcriber. The first CarryBytes
// of Samples repeat the tail of the previous window.
type AudioWindow struct {
	Seq         uint64
	Samples     []byte
	CarryBytes  int
	Format      AudioFormat
	StartOffset time.Duration // offset of Samples[0] from stream start
	CapturedAt  time.Time
	Boundary    bool // emitted early on an utterance boundary
	Final       bool // last window of the stream
}

// Fresh returns the audio not already present in the previous window.
func (w AudioWindow) Fresh() []byte {
	return w.Samples[w.CarryBytes:]
}

// FreshOffset is the stream offset of the first fresh sample.
func (w AudioWindow) FreshOffset() time.Duration {
	return w.StartOffset + w.Format.Duration(w.CarryBytes)
}

// Duration returns the playback length of the whole window.
func (w AudioWindow) Duration() time.Duration {
	return w.Format.Duration(len(w.Samples))
}

// End is the stream offset just past the last sample.
func (w AudioWindow) End() time.Duration {
	return w.StartOffset + w.Duration()
}
