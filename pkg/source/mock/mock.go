// Package mock provides a deterministic in-memory [source.Source] for tests.
//
// Every canonical frame carries its own index: both channels of frame i hold
// [Value](i), and [FrameOf] maps a sample back to its index. This lets tests
// assert where a seek landed or which part of a track reached the encoder.
package mock

import (
	"io"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
)

// period is the frame count after which sample values wrap. A power of two
// keeps every value exactly representable as float32.
const period = 1 << 22

// Value returns the sample value of canonical frame i.
func Value(i int64) float32 { return float32(i%period) / period }

// FrameOf recovers the frame index (modulo the wrap period) from a sample
// produced by [Value].
func FrameOf(v float32) int64 { return int64(v*period + 0.5) }

// Source is a mock [source.Source].
type Source struct {
	mu sync.Mutex

	// Length is the track duration; 0 makes the source an endless stream.
	Length time.Duration

	// NotSeekable disables Seek.
	NotSeekable bool

	// FailAt, when positive, makes ReadSamples return FailErr once the
	// position reaches that many frames.
	FailAt  int64
	FailErr error

	// SeekCalls records every position passed to Seek.
	SeekCalls []time.Duration

	// ReadCalls counts ReadSamples calls.
	ReadCalls int

	frame   int64
	stalled bool
	unstall chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// New returns a seekable source of the given length.
func New(length time.Duration) *Source {
	return &Source{
		Length:  length,
		unstall: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// ReadSamples implements [source.Source].
func (s *Source) ReadSamples(dst []float32) (int, error) {
	s.mu.Lock()
	s.ReadCalls++
	stalled, unstall := s.stalled, s.unstall
	s.mu.Unlock()

	if stalled {
		select {
		case <-unstall:
		case <-s.closed:
			return 0, source.ErrClosed
		}
	}
	select {
	case <-s.closed:
		return 0, source.ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := audio.DurationToSamples(s.Length)
	n := 0
	for n+1 < len(dst) {
		if s.FailAt > 0 && s.frame >= s.FailAt {
			if n > 0 {
				return n, nil
			}
			return 0, s.failErr()
		}
		if s.Length > 0 && s.frame >= total {
			break
		}
		v := Value(s.frame)
		dst[n], dst[n+1] = v, v
		n += 2
		s.frame++
	}
	if n == 0 && s.Length > 0 && s.frame >= total {
		return 0, io.EOF
	}
	return n, nil
}

func (s *Source) failErr() error {
	if s.FailErr != nil {
		return s.FailErr
	}
	return source.Corrupt("mock read", io.ErrUnexpectedEOF)
}

// Position implements [source.Source].
func (s *Source) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.frame)
}

// Duration implements [source.Source].
func (s *Source) Duration() time.Duration { return s.Length }

// Seekable implements [source.Source].
func (s *Source) Seekable() bool { return !s.NotSeekable && s.Length > 0 }

// Seek implements [source.Source].
func (s *Source) Seek(pos time.Duration) error {
	if !s.Seekable() {
		return source.ErrNotSeekable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SeekCalls = append(s.SeekCalls, pos)
	s.frame = audio.DurationToSamples(min(max(pos, 0), s.Length))
	return nil
}

// Close implements [source.Source].
func (s *Source) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *Source) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Stall makes subsequent reads block until Unstall or Close.
func (s *Source) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// Unstall releases blocked reads.
func (s *Source) Unstall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalled {
		s.stalled = false
		close(s.unstall)
		s.unstall = make(chan struct{})
	}
}

// Reads returns how many times ReadSamples was entered.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadCalls
}

// Seeks returns a copy of the recorded Seek positions.
func (s *Source) Seeks() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.SeekCalls))
	copy(out, s.SeekCalls)
	return out
}
