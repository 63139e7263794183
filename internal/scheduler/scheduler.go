// Package scheduler turns a decoded source into a paced stream of Opus
// frames.
//
// A [Scheduler] owns one goroutine per playing track. Each cycle it pulls
// samples through the filter chain until one frame's worth is ready, encodes
// it, waits for the frame's deadline and hands it to the voice link. Frame n
// is due at base + n*interval; an overrun sends the next frame immediately
// without moving base, so the schedule catches up instead of drifting. base
// is taken afresh only when production restarts after a pause or seek.
//
// With no link attached frames are still produced and paced but discarded
// ("nulled"), so track position keeps moving while the client reconnects
// voice.
//
// Pause and Seek never wait for the production goroutine: they record the
// request and wake the loop, which applies it at the next frame boundary. A
// source blocked in a read therefore cannot block its controller.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/internal/filter"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
)

// ErrStopped is returned by control calls made after the scheduler ended.
var ErrStopped = errors.New("scheduler: stopped")

// Outcome says why a scheduler ended.
type Outcome int

const (
	// Finished means the source reached its end or the end-time marker.
	Finished Outcome = iota

	// Failed means the source or encoder reported an error; see Result.Err.
	Failed

	// Stopped means Stop was called or the parent context ended.
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the final state of a scheduler.
type Result struct {
	Outcome Outcome
	Err     error
}

// Config tunes a [Scheduler]. Zero values take the defaults noted per field.
type Config struct {
	// Interval is the frame period. Default: [audio.FrameDuration].
	Interval time.Duration

	// StuckThreshold is how long playback may go without a frame before
	// OnStuck fires. Default: 10s. Negative disables the watchdog.
	StuckThreshold time.Duration

	// HandoffTimeout bounds one SendFrame attempt. A blocked hand-off is
	// retried until it succeeds or the scheduler stops. Default: Interval.
	HandoffTimeout time.Duration

	// EndTime stops playback with [Finished] once the track position
	// reaches it. Zero plays to the end.
	EndTime time.Duration

	// Paused starts the scheduler paused.
	Paused bool

	// Metrics receives frame counters. Nil disables them.
	Metrics *observe.Metrics

	// OnStuck is called from the watchdog once per stall.
	OnStuck func(threshold time.Duration)
}

// Stats are cumulative frame counters.
type Stats struct {
	Sent   int64
	Nulled int64
	Late   int64
}

// Scheduler paces one source onto a voice link.
type Scheduler struct {
	src   source.Source
	chain *filter.Chain
	enc   audio.Encoder
	cfg   Config
	log   *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	result Result

	link     atomic.Pointer[linkRef]
	position atomic.Int64 // nanoseconds
	seekTo   atomic.Int64 // pending seek target in nanoseconds, or noSeek
	paused   atomic.Bool
	progress atomic.Int64 // unix nanos of the last produced frame

	sent, nulled, late atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// linkRef boxes an interface for atomic.Pointer.
type linkRef struct{ audio.Link }

const noSeek = -1

// New prepares a scheduler. It takes ownership of src and closes it when it
// ends. Call Start to begin producing.
func New(src source.Source, chain *filter.Chain, enc audio.Encoder, cfg Config) *Scheduler {
	cfg.Interval = cmp.Or(cfg.Interval, audio.FrameDuration)
	cfg.HandoffTimeout = cmp.Or(cfg.HandoffTimeout, cfg.Interval)
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = 10 * time.Second
	}
	s := &Scheduler{
		src:   src,
		chain: chain,
		enc:   enc,
		cfg:   cfg,
		log:   slog.Default(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.position.Store(int64(src.Position()))
	s.seekTo.Store(noSeek)
	s.paused.Store(cfg.Paused)
	return s
}

// Start launches the production goroutine. It is a no-op after the first
// call.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.progress.Store(time.Now().UnixNano())
		if s.cfg.StuckThreshold > 0 && s.cfg.OnStuck != nil {
			go s.watchdog(ctx)
		}
		go s.run(ctx)
	})
}

// Stop ends production and waits for the goroutine to exit. Closing the
// source unblocks a pending read.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			_ = s.src.Close()
			s.result = Result{Outcome: Stopped}
			close(s.done)
			return
		}
		s.cancel()
		_ = s.src.Close()
	})
	<-s.done
}

// Done is closed when the scheduler ends.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Result is valid after Done is closed.
func (s *Scheduler) Result() Result {
	<-s.done
	return s.result
}

// SetLink attaches link, or detaches with nil. The next frame goes to the
// new link.
func (s *Scheduler) SetLink(link audio.Link) {
	if link == nil {
		s.link.Store(nil)
		return
	}
	s.link.Store(&linkRef{link})
}

// Position is the track position of the next frame to be produced. A seek
// not yet applied reports its target.
func (s *Scheduler) Position() time.Duration {
	if target := s.seekTo.Load(); target != noSeek {
		return time.Duration(target)
	}
	return time.Duration(s.position.Load())
}

// Paused reports whether production is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Stats returns the frame counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Nulled: s.nulled.Load(), Late: s.late.Load()}
}

// Pause stops or resumes production. Resuming restarts pacing from now.
// The frame being paced when the pause lands is dropped.
func (s *Scheduler) Pause(pause bool) error {
	if s.ended() {
		return ErrStopped
	}
	s.paused.Store(pause)
	s.nudge()
	return nil
}

// Seek repositions the source at the next frame boundary and flushes filter
// state. It fails with [source.ErrNotSeekable] when the source cannot seek.
// A later Seek before the first is applied replaces it.
func (s *Scheduler) Seek(pos time.Duration) error {
	if s.ended() {
		return ErrStopped
	}
	if !s.src.Seekable() {
		return source.ErrNotSeekable
	}
	s.seekTo.Store(int64(max(pos, 0)))
	s.nudge()
	return nil
}

func (s *Scheduler) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// interrupted reports whether the frame in hand must be abandoned.
func (s *Scheduler) interrupted() bool {
	return s.paused.Load() || s.seekTo.Load() != noSeek
}

// applySeek performs a pending seek. The request is cleared only after the
// source moved, so Position never reports the old place in between.
func (s *Scheduler) applySeek(pending *[]float32) (bool, error) {
	target := s.seekTo.Load()
	if target == noSeek {
		return false, nil
	}
	err := s.src.Seek(time.Duration(target))
	*pending = (*pending)[:0]
	s.chain.Reset()
	s.position.Store(int64(s.src.Position()))
	s.progress.Store(time.Now().UnixNano())
	s.seekTo.CompareAndSwap(target, noSeek)
	if err != nil {
		return false, fmt.Errorf("scheduler: seek to %v: %w", time.Duration(target), err)
	}
	return true, nil
}

func (s *Scheduler) run(ctx context.Context) {
	res := s.loop(ctx)
	_ = s.src.Close()
	s.result = res
	close(s.done)
}

func (s *Scheduler) loop(ctx context.Context) Result {
	var (
		pending = make([]float32, 0, audio.FrameSamples*2)
		readBuf = make([]float32, audio.FrameSamples)
		seq     uint64
		base    = time.Now()
		n       int64
		eof     bool
	)

	for {
		seeked, err := s.applySeek(&pending)
		if err != nil {
			return Result{Outcome: Failed, Err: err}
		}
		if seeked {
			eof = false
			base, n = time.Now(), 0
		}
		if s.paused.Load() {
			select {
			case <-ctx.Done():
				return Result{Outcome: Stopped}
			case <-s.wake:
			}
			base, n = time.Now(), 0
			s.progress.Store(time.Now().UnixNano())
			continue
		}

		// Fill one frame, driven by the chain's output length.
		for len(pending) < audio.FrameSamples && !eof {
			want := readBuf
			if end := s.cfg.EndTime; end > 0 {
				left := audio.DurationToSamples(end-s.src.Position()) * audio.Channels
				if left <= 0 {
					eof = true
					break
				}
				want = readBuf[:min(int64(len(readBuf)), left)]
			}
			got, err := s.src.ReadSamples(want)
			if got > 0 {
				pending = append(pending, s.chain.Process(want[:got])...)
			}
			s.position.Store(int64(s.src.Position()))
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				eof = true
			case ctx.Err() != nil:
				return Result{Outcome: Stopped}
			default:
				return Result{Outcome: Failed, Err: err}
			}
		}
		if s.interrupted() {
			// Samples read so far stay buffered for a pause; a seek drops them.
			continue
		}
		if len(pending) == 0 {
			return Result{Outcome: Finished}
		}
		if len(pending) < audio.FrameSamples {
			pending = append(pending, make([]float32, audio.FrameSamples-len(pending))...)
		}

		data, err := s.enc.Encode(pending[:audio.FrameSamples])
		if err != nil {
			return Result{Outcome: Failed, Err: fmt.Errorf("scheduler: encode: %w", err)}
		}
		pending = append(pending[:0], pending[audio.FrameSamples:]...)

		// Wait for the deadline; a pause or seek abandons the frame.
		deadline := base.Add(time.Duration(n) * s.cfg.Interval)
		restart := s.wait(ctx, deadline)
		if ctx.Err() != nil {
			return Result{Outcome: Stopped}
		}
		if !restart {
			if late := time.Since(deadline); late > s.cfg.Interval {
				s.late.Add(1)
				if m := s.cfg.Metrics; m != nil {
					m.RecordLateFrame(ctx, late.Seconds())
				}
			}
			frame := audio.Frame{Seq: seq, Data: data, Duration: s.cfg.Interval}
			restart = s.handoff(ctx, frame)
			if ctx.Err() != nil {
				return Result{Outcome: Stopped}
			}
			if !restart {
				seq++
				n++
				s.progress.Store(time.Now().UnixNano())
			}
		}
		if restart {
			base, n = time.Now(), 0
			continue
		}

		if eof && len(pending) == 0 {
			return Result{Outcome: Finished}
		}
	}
}

// wait sleeps until deadline. It reports true when a pause or seek arrived
// meanwhile.
func (s *Scheduler) wait(ctx context.Context, deadline time.Time) bool {
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-s.wake:
			timer.Stop()
			if s.interrupted() {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// handoff delivers f to the attached link, retrying while the transport is
// backpressured. A pause or seek arriving while blocked abandons the frame.
func (s *Scheduler) handoff(ctx context.Context, f audio.Frame) bool {
	for {
		ref := s.link.Load()
		if ref == nil {
			s.nulled.Add(1)
			if m := s.cfg.Metrics; m != nil {
				m.FramesNulled.Add(ctx, 1)
			}
			return false
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.HandoffTimeout)
		err := ref.SendFrame(sendCtx, f)
		cancel()
		switch {
		case err == nil:
			s.sent.Add(1)
			if m := s.cfg.Metrics; m != nil {
				m.FramesSent.Add(ctx, 1)
			}
			return false
		case ctx.Err() != nil:
			return false
		case errors.Is(err, audio.ErrWouldBlock):
			if m := s.cfg.Metrics; m != nil {
				m.HandoffBlocked.Add(ctx, 1)
			}
			if s.interrupted() {
				return true
			}
		case errors.Is(err, audio.ErrClosed):
			// The owner learns about the close from the link itself; keep
			// pacing without it.
			s.link.CompareAndSwap(ref, nil)
		default:
			s.log.Warn("scheduler: frame hand-off failed", "seq", f.Seq, "err", err)
			s.nulled.Add(1)
			return false
		}
	}
}

// watchdog reports stalls: playing, yet no frame produced within the
// threshold. It fires once per stall and re-arms after progress.
func (s *Scheduler) watchdog(ctx context.Context) {
	tick := time.NewTicker(max(s.cfg.StuckThreshold/4, time.Millisecond))
	defer tick.Stop()
	reported := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		last := s.progress.Load()
		if s.paused.Load() || last == reported {
			continue
		}
		if time.Since(time.Unix(0, last)) >= s.cfg.StuckThreshold {
			reported = last
			s.log.Warn("scheduler: playback stuck", "threshold", s.cfg.StuckThreshold, "position", s.Position())
			s.cfg.OnStuck(s.cfg.StuckThreshold)
		}
	}
}
