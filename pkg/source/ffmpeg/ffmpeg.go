// Package ffmpeg decodes arbitrary inputs (remote URLs, containers without a
// pure-Go codec) by running an ffmpeg process that writes canonical s16le PCM
// to a pipe. Seeking restarts the process with -ss.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
)

// DefaultPath is the binary looked up on PATH when none is configured.
const DefaultPath = "ffmpeg"

// Transcoder starts ffmpeg processes. It is safe for concurrent use.
type Transcoder struct {
	path string
}

// New returns a Transcoder running the binary at path (DefaultPath if empty).
func New(path string) *Transcoder {
	if path == "" {
		path = DefaultPath
	}
	return &Transcoder{path: path}
}

// Available reports whether the configured binary can be found.
func (t *Transcoder) Available() error {
	if _, err := exec.LookPath(t.path); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// Options describe the input being opened.
type Options struct {
	// Start is the initial playback offset.
	Start time.Duration

	// Duration is the known input length; 0 marks a live stream.
	Duration time.Duration

	// Seekable enables Seek by restarting at the new offset.
	Seekable bool

	// Headers are sent with HTTP inputs.
	Headers map[string]string
}

// Open starts decoding input. The process outlives ctx; it ends when the
// returned source is closed or the input is exhausted.
func (t *Transcoder) Open(ctx context.Context, input string, opts Options) (*Source, error) {
	s := &Source{t: t, input: input, opts: opts}
	p, err := t.start(ctx, input, opts, opts.Start)
	if err != nil {
		return nil, err
	}
	s.cur.Store(p)
	return s, nil
}

// Source is a [source.Source] backed by an ffmpeg process.
type Source struct {
	t     *Transcoder
	input string
	opts  Options

	cur    atomic.Pointer[proc]
	closed atomic.Bool
}

var _ source.Source = (*Source)(nil)

// ReadSamples implements [source.Source].
func (s *Source) ReadSamples(dst []float32) (int, error) {
	p := s.cur.Load()
	n, err := p.stream.ReadSamples(dst)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil && !s.closed.Load() {
			return n, werr
		}
	}
	if s.closed.Load() && err != nil && !errors.Is(err, io.EOF) {
		return n, source.ErrClosed
	}
	return n, err
}

// Position implements [source.Source].
func (s *Source) Position() time.Duration { return s.cur.Load().stream.Position() }

// Duration implements [source.Source].
func (s *Source) Duration() time.Duration { return s.opts.Duration }

// Seekable implements [source.Source].
func (s *Source) Seekable() bool { return s.opts.Seekable && s.opts.Duration > 0 }

// Seek implements [source.Source] by restarting ffmpeg at pos.
func (s *Source) Seek(pos time.Duration) error {
	if !s.Seekable() {
		return source.ErrNotSeekable
	}
	if s.closed.Load() {
		return source.ErrClosed
	}
	pos = min(max(pos, 0), s.opts.Duration)
	p, err := s.t.start(context.Background(), s.input, s.opts, pos)
	if err != nil {
		return err
	}
	old := s.cur.Swap(p)
	_ = old.stream.Close()
	if s.closed.Load() {
		_ = p.stream.Close()
		return source.ErrClosed
	}
	return nil
}

// Close implements [source.Source]. It kills the running process.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.cur.Load().stream.Close()
}

// ─── process ──────────────────────────────────────────────────────────────────

type proc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *tailBuffer
	stream *source.Stream

	waitOnce sync.Once
	waitErr  error
}

func (t *Transcoder) start(ctx context.Context, input string, opts Options, at time.Duration) (*proc, error) {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(pctx, t.path, buildArgs(input, opts, at)...)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, source.IOFailure("ffmpeg pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, source.IOFailure("ffmpeg start", err)
	}
	slog.Debug("ffmpeg: started", "pid", cmd.Process.Pid, "start", at)

	p := &proc{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	p.stream = source.NewStreamAt(&pcmDecoder{r: stdout}, p, at)
	return p, nil
}

// Close kills the process; it unblocks a pending pipe read.
func (p *proc) Close() error {
	p.cancel()
	_ = p.stdout.Close()
	_ = p.wait()
	return nil
}

// wait reaps the process once and classifies a failed exit.
func (p *proc) wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.waitErr = source.IOFailure("ffmpeg wait", err)
			return
		}
		p.waitErr = classify(p.stderr.String(), exitErr)
	})
	return p.waitErr
}

// classify maps ffmpeg diagnostics to decode error kinds.
func classify(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	cause := errors.New(lastLine(msg))
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid data found"),
		strings.Contains(lower, "error while decoding"),
		strings.Contains(lower, "header missing"):
		return source.Corrupt("ffmpeg", cause)
	case strings.Contains(lower, "decoder not found"),
		strings.Contains(lower, "could not find codec"),
		strings.Contains(lower, "unsupported codec"),
		strings.Contains(lower, "does not contain any stream"):
		return source.UnsupportedCodec("ffmpeg", cause)
	default:
		return source.IOFailure("ffmpeg", cause)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func buildArgs(input string, opts Options, at time.Duration) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
		if len(opts.Headers) > 0 {
			var b strings.Builder
			for k, v := range opts.Headers {
				b.WriteString(k + ": " + v + "\r\n")
			}
			args = append(args, "-headers", b.String())
		}
	}
	if at > 0 {
		args = append(args, "-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64))
	}
	return append(args,
		"-i", input,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	)
}

// ─── PCM decoding ─────────────────────────────────────────────────────────────

// pcmDecoder reads canonical s16le from a pipe, carrying partial samples
// across reads.
type pcmDecoder struct {
	r     io.Reader
	buf   []byte
	carry int
}

func (d *pcmDecoder) Format() audio.Format { return audio.Canonical }
func (d *pcmDecoder) Length() int64        { return 0 }

func (d *pcmDecoder) Read(dst []float32) (int, error) {
	need := len(dst) * 2
	if cap(d.buf) < need {
		nb := make([]byte, need)
		copy(nb, d.buf[:d.carry])
		d.buf = nb
	}
	d.buf = d.buf[:need]
	const frameBytes = 2 * audio.Channels
	n, err := io.ReadAtLeast(d.r, d.buf[d.carry:], frameBytes-d.carry)
	total := d.carry + n
	usable := total - total%frameBytes
	got := audio.BytesToFloat(dst, d.buf[:usable])
	d.carry = copy(d.buf, d.buf[usable:total])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if got > 0 && errors.Is(err, io.EOF) {
		return got, nil
	}
	return got, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
