package ffmpeg

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg. It records its
// arguments to args.txt next to itself and then runs body.
func fakeFFmpeg(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "ffmpeg")
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\necho \"$@\" >> " + argsFile + "\n" + body + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func drain(t *testing.T, s source.Source) (int, error) {
	t.Helper()
	buf := make([]float32, 1920)
	total := 0
	for range 1000 {
		n, err := s.ReadSamples(buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	t.Fatal("stream never ended")
	return 0, nil
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	args := buildArgs("https://example.com/a.mp3", Options{Headers: map[string]string{"User-Agent": "cadence"}}, 1500*time.Millisecond)
	for _, want := range []string{"-reconnect", "-headers", "-ss", "1.500", "s16le", "48000", "pipe:1"} {
		if !slices.Contains(args, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}
	ss := slices.Index(args, "-ss")
	in := slices.Index(args, "-i")
	if ss > in {
		t.Error("-ss must precede -i for input seeking")
	}

	local := buildArgs("/music/a.flac", Options{}, 0)
	if slices.Contains(local, "-reconnect") || slices.Contains(local, "-ss") {
		t.Errorf("local args = %v", local)
	}
}

func TestSource_ReadsPCM(t *testing.T) {
	t.Parallel()

	// 0.1 s of silence: 4800 frames * 4 bytes.
	bin, _ := fakeFFmpeg(t, "head -c 19200 /dev/zero")
	s, err := New(bin).Open(t.Context(), "in.flac", Options{Duration: time.Second, Seekable: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	total, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
	if total != 9600 {
		t.Errorf("samples = %d, want 9600", total)
	}
	if p := s.Position(); p != 100*time.Millisecond {
		t.Errorf("Position = %v, want 100ms", p)
	}
}

func TestSource_SeekRestartsAtOffset(t *testing.T) {
	t.Parallel()

	bin, argsFile := fakeFFmpeg(t, "head -c 3840 /dev/zero")
	s, err := New(bin).Open(t.Context(), "in.flac", Options{Duration: time.Minute, Seekable: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Seek(30 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if p := s.Position(); p != 30*time.Second {
		t.Errorf("Position after seek = %v", p)
	}
	if _, err := drain(t, s); !errors.Is(err, io.EOF) {
		t.Fatalf("drain: %v", err)
	}
	if p := s.Position(); p != 30*time.Second+20*time.Millisecond {
		t.Errorf("Position after read = %v", p)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "-ss 30.000") {
		t.Errorf("invocations = %q", lines)
	}
}

func TestSource_NotSeekable(t *testing.T) {
	t.Parallel()

	bin, _ := fakeFFmpeg(t, "head -c 3840 /dev/zero")
	s, err := New(bin).Open(t.Context(), "http://radio.example/live", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Seekable() {
		t.Error("live stream reported seekable")
	}
	if err := s.Seek(time.Second); !errors.Is(err, source.ErrNotSeekable) {
		t.Errorf("Seek = %v, want ErrNotSeekable", err)
	}
}

func TestSource_FailureIsClassified(t *testing.T) {
	t.Parallel()

	bin, _ := fakeFFmpeg(t, "echo 'in.bin: Invalid data found when processing input' >&2\nexit 1")
	s, err := New(bin).Open(t.Context(), "in.bin", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = drain(t, s)
	if k := fault.KindOf(err); k != fault.KindCorruptStream {
		t.Fatalf("kind = %q (err %v), want corruptStream", k, err)
	}
}

func TestSource_CloseUnblocksRead(t *testing.T) {
	t.Parallel()

	bin, _ := fakeFFmpeg(t, "exec sleep 30")
	s, err := New(bin).Open(t.Context(), "in.flac", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadSamples(make([]float32, 1920))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, source.ErrClosed) {
			t.Errorf("blocked read returned %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock ReadSamples")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stderr string
		want   fault.Kind
	}{
		{"Decoder not found for stream #0", fault.KindUnsupportedCodec},
		{"line one\nError while decoding stream #0:0", fault.KindCorruptStream},
		{"Server returned 403 Forbidden", fault.KindIOFailure},
		{"", fault.KindIOFailure},
	}
	for _, tt := range tests {
		if got := fault.KindOf(classify(tt.stderr, errors.New("exit status 1"))); got != tt.want {
			t.Errorf("classify(%q) = %q, want %q", tt.stderr, got, tt.want)
		}
	}
}

func TestTranscoder_Available(t *testing.T) {
	t.Parallel()

	if err := New(filepath.Join(t.TempDir(), "nope")).Available(); err == nil {
		t.Error("missing binary reported available")
	}
}
