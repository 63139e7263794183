package audio

import "time"

// Canonical output format. Every decoded source is adapted to it before it
// reaches the filter chain, and the Opus encoder consumes exactly one
// FrameSamples block per frame.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameDuration is the playback time covered by one [Frame].
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of samples per channel in one frame (960).
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// FrameSamples is the number of interleaved samples in one frame (1920).
	FrameSamples = FrameSize * Channels
)

// Frame is one fixed-duration block of encoded audio ready for transmission.
// Frames are immutable once produced; a transport must not modify Data.
type Frame struct {
	// Seq increases by exactly one for each frame a scheduler emits during
	// the lifetime of one track.
	Seq uint64

	// Data is the Opus packet.
	Data []byte

	// Duration is the playback time the frame covers.
	Duration time.Duration
}

// SamplesToDuration converts a per-channel sample count at [SampleRate] into
// playback time.
func SamplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// DurationToSamples converts playback time into a per-channel sample count at
// [SampleRate].
func DurationToSamples(d time.Duration) int64 {
	return int64(d) * SampleRate / int64(time.Second)
}
