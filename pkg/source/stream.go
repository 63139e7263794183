package source

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Decoder produces interleaved float32 PCM in its native [audio.Format].
type Decoder interface {
	// Format is the native sample rate and channel count.
	Format() audio.Format

	// Read fills dst with native interleaved samples. It returns io.EOF at
	// the end of the input.
	Read(dst []float32) (int, error)

	// Length is the total number of native frames (samples per channel),
	// or 0 when unknown.
	Length() int64
}

// FrameSeeker is implemented by decoders that can reposition to a native
// frame index.
type FrameSeeker interface {
	SeekFrame(frame int64) error
}

// Stream adapts a [Decoder] into a [Source]: it converts to the canonical
// format, tracks the playback position and supports Close while a read is
// blocked.
type Stream struct {
	dec    Decoder
	closer io.Closer
	conv   *audio.FormatConverter

	mu      sync.Mutex // serialises ReadSamples and Seek
	native  []float32
	pending []float32
	eof     bool

	pos       atomic.Int64 // canonical frames delivered, plus the seek base
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps dec. closer, when non-nil, is closed by [Stream.Close]; it
// should release whatever dec reads from so a blocked Read returns.
func NewStream(dec Decoder, closer io.Closer) *Stream {
	return &Stream{
		dec:    dec,
		closer: closer,
		conv:   &audio.FormatConverter{From: dec.Format()},
		native: make([]float32, 4096),
	}
}

// NewStreamAt is like [NewStream] but starts the position clock at start,
// for decoders that were opened already positioned (such as a restarted
// transcoder).
func NewStreamAt(dec Decoder, closer io.Closer, start time.Duration) *Stream {
	s := NewStream(dec, closer)
	s.pos.Store(audio.DurationToSamples(start))
	return s
}

// ReadSamples implements [Source].
func (s *Stream) ReadSamples(dst []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst = dst[:len(dst)&^1] // whole stereo frames only
	n, empty := 0, 0
	for n < len(dst) {
		if s.closed.Load() {
			return n, ErrClosed
		}
		if len(s.pending) > 0 {
			c := copy(dst[n:], s.pending)
			s.pending = s.pending[c:]
			n += c
			continue
		}
		if s.eof {
			break
		}
		produced, err := s.fill()
		if err != nil {
			if s.closed.Load() {
				return n, ErrClosed
			}
			s.advance(n)
			return n, err
		}
		if produced {
			empty = 0
		} else if empty++; empty >= maxEmptyReads && !s.eof {
			s.advance(n)
			if n > 0 {
				return n, nil
			}
			return 0, Corrupt("read", io.ErrNoProgress)
		}
	}
	s.advance(n)
	if n == 0 && s.eof {
		return 0, io.EOF
	}
	return n, nil
}

// maxEmptyReads bounds consecutive decoder reads that yield no samples.
const maxEmptyReads = 64

// fill decodes one native block into pending and reports whether it produced
// any canonical samples.
func (s *Stream) fill() (bool, error) {
	ch := max(s.dec.Format().Channels, 1)
	buf := s.native[:len(s.native)-len(s.native)%ch]
	got, err := s.dec.Read(buf)
	if got > 0 {
		out := s.conv.Convert(buf[:got-got%ch])
		// Convert may hand back buf itself; copy before the next Read.
		s.pending = append(s.pending[:0], out...)
	}
	produced := len(s.pending) > 0
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
		return produced, nil
	case err != nil:
		var de *DecodeError
		if errors.As(err, &de) {
			return produced, err
		}
		return produced, IOFailure("read", err)
	}
	return produced, nil
}

func (s *Stream) advance(samples int) {
	s.pos.Add(int64(samples / audio.Channels))
}

// Position implements [Source].
func (s *Stream) Position() time.Duration {
	return audio.SamplesToDuration(s.pos.Load())
}

// Duration implements [Source].
func (s *Stream) Duration() time.Duration {
	f := s.dec.Format()
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.dec.Length()) * time.Second / time.Duration(f.SampleRate)
}

// Seekable implements [Source].
func (s *Stream) Seekable() bool {
	_, ok := s.dec.(FrameSeeker)
	return ok && s.dec.Length() > 0
}

// Seek implements [Source]. Positions past the end leave the stream at its
// end, so the next read reports io.EOF.
func (s *Stream) Seek(pos time.Duration) error {
	fs, ok := s.dec.(FrameSeeker)
	if !ok || s.dec.Length() <= 0 {
		return ErrNotSeekable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	pos = max(pos, 0)
	if d := s.Duration(); pos > d {
		pos = d
	}
	rate := int64(s.dec.Format().SampleRate)
	frame := int64(pos) * rate / int64(time.Second)
	if err := fs.SeekFrame(frame); err != nil {
		return IOFailure("seek", err)
	}
	s.conv.Reset()
	s.pending = s.pending[:0]
	s.eof = false
	s.pos.Store(audio.DurationToSamples(pos))
	return nil
}

// Close implements [Source]. It is safe to call concurrently with
// ReadSamples and more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
