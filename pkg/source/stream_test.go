package source_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/mock"
)

// sliceDecoder serves native samples from memory.
type sliceDecoder struct {
	format  audio.Format
	samples []float32
	off     int
	err     error // returned once samples are exhausted instead of EOF
	seeks   []int64
	block   chan struct{}
}

func (d *sliceDecoder) Format() audio.Format { return d.format }

func (d *sliceDecoder) Length() int64 { return int64(len(d.samples) / d.format.Channels) }

func (d *sliceDecoder) Read(dst []float32) (int, error) {
	if d.block != nil {
		<-d.block
		return 0, errors.New("pipe closed")
	}
	if d.off >= len(d.samples) {
		if d.err != nil {
			return 0, d.err
		}
		return 0, io.EOF
	}
	n := copy(dst, d.samples[d.off:])
	d.off += n
	return n, nil
}

func (d *sliceDecoder) SeekFrame(frame int64) error {
	d.seeks = append(d.seeks, frame)
	d.off = int(frame) * d.format.Channels
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestStream_PassThroughCanonical(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 48000*2)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	s := source.NewStream(&sliceDecoder{format: audio.Canonical, samples: samples}, nil)

	if s.Duration() != time.Second {
		t.Errorf("Duration = %v", s.Duration())
	}
	buf := make([]float32, audio.FrameSamples)
	total := 0
	for {
		n, err := s.ReadSamples(buf)
		if n > 0 && buf[0] != samples[total] {
			t.Fatalf("sample %d = %v, want %v", total, buf[0], samples[total])
		}
		total += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if total != len(samples) {
		t.Errorf("total = %d, want %d", total, len(samples))
	}
	if s.Position() != time.Second {
		t.Errorf("Position = %v", s.Position())
	}
}

func TestStream_SeekRepositions(t *testing.T) {
	t.Parallel()

	dec := &sliceDecoder{format: audio.Format{SampleRate: 24000, Channels: 2}, samples: make([]float32, 24000*2*4)}
	s := source.NewStream(dec, nil)
	if !s.Seekable() {
		t.Fatal("expected seekable stream")
	}
	if err := s.Seek(2 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := dec.seeks; len(got) != 1 || got[0] != 48000 {
		t.Errorf("native seek frames = %v, want [48000]", got)
	}
	if s.Position() != 2*time.Second {
		t.Errorf("Position = %v", s.Position())
	}

	// Past the end clamps to the end.
	if err := s.Seek(time.Hour); err != nil {
		t.Fatalf("Seek past end: %v", err)
	}
	if _, err := s.ReadSamples(make([]float32, 64)); !errors.Is(err, io.EOF) {
		t.Errorf("read after seeking to end = %v, want EOF", err)
	}
}

func TestStream_NotSeekableWithoutLength(t *testing.T) {
	t.Parallel()

	s := source.NewStream(&sliceDecoder{format: audio.Canonical}, nil)
	if err := s.Seek(time.Second); !errors.Is(err, source.ErrNotSeekable) {
		t.Errorf("Seek = %v, want ErrNotSeekable", err)
	}
}

func TestStream_DecodeErrorsAreTyped(t *testing.T) {
	t.Parallel()

	dec := &sliceDecoder{format: audio.Canonical, samples: make([]float32, 100), err: errors.New("disk gone")}
	s := source.NewStream(dec, nil)
	buf := make([]float32, audio.FrameSamples)
	var err error
	for range 5 {
		if _, err = s.ReadSamples(buf); err != nil {
			break
		}
	}
	var de *source.DecodeError
	if !errors.As(err, &de) || de.Kind != source.KindIOFailure {
		t.Fatalf("err = %v, want ioFailure DecodeError", err)
	}
	if fault.KindOf(err) != fault.KindIOFailure {
		t.Errorf("fault kind = %q", fault.KindOf(err))
	}
}

func TestStream_CloseUnblocksRead(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var once sync.Once
	s := source.NewStream(&sliceDecoder{format: audio.Canonical, block: block}, closerFunc(func() error {
		once.Do(func() { close(block) })
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadSamples(make([]float32, 64))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, source.ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock ReadSamples")
	}
}

// ─── mock source ──────────────────────────────────────────────────────────────

func TestMock_ValuesEncodePosition(t *testing.T) {
	t.Parallel()

	m := mock.New(10 * time.Second)
	if err := m.Seek(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, audio.FrameSamples)
	if _, err := m.ReadSamples(buf); err != nil {
		t.Fatal(err)
	}
	if got := mock.FrameOf(buf[0]); got != 3*48000 {
		t.Errorf("frame after seek = %d, want %d", got, 3*48000)
	}
	if got := mock.FrameOf(buf[len(buf)-1]); got != 3*48000+959 {
		t.Errorf("last frame = %d", got)
	}
}

func TestMock_FailAt(t *testing.T) {
	t.Parallel()

	m := mock.New(time.Second)
	m.FailAt = 960
	buf := make([]float32, audio.FrameSamples)
	if n, err := m.ReadSamples(buf); n != audio.FrameSamples || err != nil {
		t.Fatalf("first read = %d, %v", n, err)
	}
	if _, err := m.ReadSamples(buf); fault.KindOf(err) != fault.KindCorruptStream {
		t.Errorf("second read err = %v", err)
	}
}
