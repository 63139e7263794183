// Package player implements the per-guild playback state machine.
//
// A [Player] owns the current track, its filter chain and volume, the voice
// link for its guild, and at most one [scheduler.Scheduler]. All operations
// on a player are serialised by its mutex; work that can block for long
// (resolution, opening a source, voice reconnection) runs outside the lock
// and applies its result only if the player's generation has not moved on
// in the meantime.
//
// States:
//
//	idle/stopped --load--> loading --ready--> playing <--pause--> paused
//	any --stop--> stopped, any --destroy--> (gone)
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/filter"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resolver"
	"github.com/MrWong99/cadence/internal/scheduler"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/track"
)

var (
	// ErrDestroyed is returned by operations on a destroyed player.
	ErrDestroyed = errors.New("player: destroyed")

	// ErrNoTrack is returned when an operation needs a loaded track.
	ErrNoTrack = errors.New("player: no track loaded")

	// ErrNoMatches is the load failure for an identifier that resolved to
	// nothing playable.
	ErrNoMatches = errors.New("player: no matches")
)

// Loader resolves identifiers and opens tracks. *resolver.Registry
// implements it.
type Loader interface {
	Resolve(ctx context.Context, query string) (track.LoadResult, error)
	Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error)
}

// Config holds the tunables shared by all players of a node.
type Config struct {
	// Interval, StuckThreshold and HandoffTimeout are passed to each
	// scheduler; see [scheduler.Config].
	Interval       time.Duration
	StuckThreshold time.Duration
	HandoffTimeout time.Duration

	// DefaultVolume is the initial volume in percent. Default: 100.
	DefaultVolume int

	// ConnectTimeout bounds one voice connection attempt. Default: 10s.
	ConnectTimeout time.Duration

	// Reconnect tunes voice reconnection after resumable closes. Dialer,
	// GuildID and UserID are filled in per player.
	Reconnect ReconnectorConfig

	// NewEncoder creates the encoder for each track. Default: Opus.
	NewEncoder func() (audio.Encoder, error)

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// PlayRequest describes a load. Exactly one of Track and Identifier is set.
type PlayRequest struct {
	Track      *track.Track
	Identifier string

	// Start is the initial position; End, when non-zero, ends the track
	// early with reason finished.
	Start time.Duration
	End   time.Duration

	// Optional updates applied together with the load.
	Volume  *int
	Paused  *bool
	Filters *filter.Config

	// NoReplace leaves a loaded track alone; the other fields still apply.
	NoReplace bool
}

// Player is one guild's playback state machine.
type Player struct {
	guildID string
	userID  string
	loader  Loader
	dialer  audio.Dialer
	sink    Sink
	cfg     Config
	chain   *filter.Chain
	reconn  *Reconnector
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	track      *track.Track
	sched      *scheduler.Scheduler
	loadCancel context.CancelFunc
	wantPaused bool
	// transportPaused marks a pause caused by the voice link closing; the
	// next successful voice update lifts it.
	transportPaused bool
	link            audio.Link
	linkGen         uint64
	voice           *audio.VoiceServerInfo
	frames          FrameStats
	playing         bool // counted in PlayingPlayers
	destroyed       bool
}

// New creates an idle player. Events are delivered to sink.
func New(ctx context.Context, guildID, userID string, loader Loader, dialer audio.Dialer, sink Sink, cfg Config) *Player {
	if cfg.DefaultVolume == 0 {
		cfg.DefaultVolume = 100
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = func() (audio.Encoder, error) { return audio.NewOpusEncoder() }
	}
	rc := cfg.Reconnect
	rc.Dialer, rc.GuildID, rc.UserID = dialer, guildID, userID

	p := &Player{
		guildID: guildID,
		userID:  userID,
		loader:  loader,
		dialer:  dialer,
		sink:    sink,
		cfg:     cfg,
		chain:   filter.NewChain(),
		reconn:  NewReconnector(rc),
		log:     slog.With("guild_id", guildID),
		state:   StateIdle,
	}
	_ = p.chain.SetVolume(min(max(cfg.DefaultVolume, 0), filter.MaxPlayerVolume))
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if m := cfg.Metrics; m != nil {
		m.ActivePlayers.Add(p.ctx, 1)
	}
	return p
}

// GuildID returns the guild this player serves.
func (p *Player) GuildID() string { return p.guildID }

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play applies req: optional volume, filter and pause updates, then a load
// unless NoReplace keeps the current track or req names the track already
// loaded. Resolution and opening continue in the background; their outcome
// arrives as trackStart or trackException plus trackEnd(loadFailed).
func (p *Player) Play(ctx context.Context, req PlayRequest) error {
	if req.Track == nil && req.Identifier == "" {
		return fault.Newf(fault.KindBadRequest, "player: play", "track or identifier is required")
	}
	if req.Start < 0 || req.End < 0 || (req.End > 0 && req.End <= req.Start) {
		return fault.Newf(fault.KindBadRequest, "player: play", "invalid start/end time %v/%v", req.Start, req.End)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: play", ErrDestroyed)
	}
	if err := p.applyOptions(req.Volume, req.Filters); err != nil {
		return err
	}
	if req.Paused != nil {
		p.wantPaused = *req.Paused
	}

	busy := p.state == StateLoading || p.state == StatePlaying || p.state == StatePaused
	switch {
	case busy && req.NoReplace:
		return p.syncPause()
	case busy && req.Track != nil && p.track != nil && p.track.Same(*req.Track):
		return p.syncPause()
	}

	p.endCurrent(EndReplaced)
	p.gen++
	gen := p.gen
	loadCtx, cancel := context.WithCancel(p.ctx)
	p.loadCancel = cancel
	p.track = req.Track
	p.setState(StateLoading)

	go p.load(loadCtx, gen, req)
	return nil
}

// applyOptions validates and applies volume and filters together, so a bad
// value leaves both untouched.
func (p *Player) applyOptions(volume *int, filters *filter.Config) error {
	if filters != nil {
		if err := filters.Validate(); err != nil {
			return err
		}
	}
	if volume != nil && (*volume < 0 || *volume > filter.MaxPlayerVolume) {
		return fault.Newf(fault.KindInvalidParameter, "player: volume", "volume = %d: must be in [0, %d]", *volume, filter.MaxPlayerVolume)
	}
	if filters != nil {
		if err := p.chain.Configure(*filters); err != nil {
			return err
		}
	}
	if volume != nil {
		return p.chain.SetVolume(*volume)
	}
	return nil
}

func (p *Player) load(ctx context.Context, gen uint64, req PlayRequest) {
	var t track.Track
	if req.Track != nil {
		t = *req.Track
	} else {
		res, err := p.loader.Resolve(ctx, req.Identifier)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.loadFailed(gen, nil, resolver.FailureResult(err).Exception)
			return
		}
		if res.Type == track.LoadError && res.Exception != nil {
			p.loadFailed(gen, nil, res.Exception)
			return
		}
		first, ok := res.First()
		if !ok {
			p.loadFailed(gen, nil, resolver.FailureResult(
				fault.New(fault.KindUnsupported, "player: load", fmt.Errorf("%w for %q", ErrNoMatches, req.Identifier))).Exception)
			return
		}
		t = first

		p.mu.Lock()
		if p.gen == gen && !p.destroyed {
			p.track = &t
		}
		p.mu.Unlock()
	}

	src, err := p.loader.Open(ctx, t, req.Start)
	if ctx.Err() != nil {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	if err != nil {
		p.loadFailed(gen, &t, resolver.FailureResult(err).Exception)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.destroyed {
		_ = src.Close()
		return
	}
	enc, err := p.cfg.NewEncoder()
	if err != nil {
		_ = src.Close()
		p.failLocked(&t, resolver.FailureResult(fault.New(fault.KindInternal, "player: encoder", err)).Exception)
		return
	}

	s := scheduler.New(src, p.chain, enc, scheduler.Config{
		Interval:       p.cfg.Interval,
		StuckThreshold: p.cfg.StuckThreshold,
		HandoffTimeout: p.cfg.HandoffTimeout,
		EndTime:        req.End,
		Paused:         p.wantPaused || p.transportPaused,
		Metrics:        p.cfg.Metrics,
		OnStuck:        func(th time.Duration) { p.stuck(gen, th) },
	})
	s.SetLink(p.link)
	s.Start(p.ctx)
	p.sched = s
	p.track = &t
	p.loadCancel = nil
	p.setPlaying(true)

	p.emit(Event{Type: EventTrackStart, Track: &t})
	if s.Paused() {
		p.setState(StatePaused)
	} else {
		p.setState(StatePlaying)
	}
	go p.watch(gen, s)
}

func (p *Player) loadFailed(gen uint64, t *track.Track, ex *track.Exception) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.destroyed {
		return
	}
	p.failLocked(t, ex)
}

// failLocked reports a failed load or playback and settles in stopped.
func (p *Player) failLocked(t *track.Track, ex *track.Exception) {
	if t == nil {
		t = p.track
	}
	p.log.Warn("player: track failed", "kind", ex.Kind, "err", ex.Message)
	if m := p.cfg.Metrics; m != nil {
		m.RecordTrackException(p.ctx, ex.Kind)
	}
	p.emit(Event{Type: EventTrackException, Track: t, Exception: ex})
	p.emit(Event{Type: EventTrackEnd, Track: t, Reason: EndLoadFailed})
	p.loadCancel = nil
	p.track = nil
	p.setState(StateStopped)
}

// watch settles the player when s ends on its own.
func (p *Player) watch(gen uint64, s *scheduler.Scheduler) {
	<-s.Done()
	res := s.Result()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sched != s || p.gen != gen || p.destroyed {
		return
	}
	p.releaseScheduler()

	switch res.Outcome {
	case scheduler.Finished:
		p.emit(Event{Type: EventTrackEnd, Track: p.track, Reason: EndFinished})
	case scheduler.Failed:
		p.failLocked(p.track, resolver.FailureResult(res.Err).Exception)
		return
	}
	p.track = nil
	p.setState(StateStopped)
}

func (p *Player) stuck(gen uint64, threshold time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.destroyed || p.track == nil {
		return
	}
	p.emit(Event{Type: EventTrackStuck, Track: p.track, Threshold: threshold})
}

// Stop ends the current track with reason stopped. It is a no-op when
// nothing is loaded.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: stop", ErrDestroyed)
	}
	if p.endCurrent(EndStopped) {
		p.setState(StateStopped)
	}
	return nil
}

// endCurrent tears down a loading or playing track and reports it ended
// for reason. It reports whether there was anything to end.
func (p *Player) endCurrent(reason EndReason) bool {
	switch {
	case p.sched != nil:
		p.gen++
		p.releaseScheduler()
	case p.state == StateLoading:
		p.gen++
		if p.loadCancel != nil {
			p.loadCancel()
			p.loadCancel = nil
		}
	default:
		return false
	}
	if p.track != nil {
		p.emit(Event{Type: EventTrackEnd, Track: p.track, Reason: reason})
	}
	p.track = nil
	return true
}

// releaseScheduler stops the scheduler and folds its counters into the
// player's.
func (p *Player) releaseScheduler() {
	s := p.sched
	p.sched = nil
	s.Stop()
	st := s.Stats()
	p.frames.Sent += st.Sent
	p.frames.Nulled += st.Nulled
	p.frames.Late += st.Late
	p.setPlaying(false)
}

// Pause pauses or resumes playback. Without a track the flag is kept for
// the next load.
func (p *Player) Pause(pause bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: pause", ErrDestroyed)
	}
	p.wantPaused = pause
	if !pause {
		p.transportPaused = false
	}
	return p.syncPause()
}

// syncPause makes the scheduler match the wanted pause state. It does not
// wait for the scheduler, so it is safe under p.mu.
func (p *Player) syncPause() error {
	if p.sched == nil {
		return nil
	}
	pause := p.wantPaused || p.transportPaused
	if p.sched.Paused() == pause {
		return nil
	}
	if err := p.sched.Pause(pause); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return nil
		}
		return fault.New(fault.KindInternal, "player: pause", err)
	}
	if pause {
		p.setState(StatePaused)
	} else {
		p.setState(StatePlaying)
	}
	return nil
}

// Seek moves playback to pos.
func (p *Player) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: seek", ErrDestroyed)
	}
	if pos < 0 {
		return fault.Newf(fault.KindBadRequest, "player: seek", "negative position %v", pos)
	}
	if p.sched == nil {
		return fault.New(fault.KindInvalidState, "player: seek", fmt.Errorf("%w (state %s)", ErrNoTrack, p.state))
	}
	if p.track != nil && !p.track.Info.IsSeekable {
		return fault.New(fault.KindUnsupportedOperation, "player: seek", source.ErrNotSeekable)
	}
	if err := p.sched.Seek(pos); err != nil {
		if errors.Is(err, source.ErrNotSeekable) {
			return fault.New(fault.KindUnsupportedOperation, "player: seek", err)
		}
		return fault.New(fault.KindInternal, "player: seek", err)
	}
	p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
	return nil
}

// SetVolume sets the player volume in percent (0 to 1000).
func (p *Player) SetVolume(percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: volume", ErrDestroyed)
	}
	return p.applyOptions(&percent, nil)
}

// UpdateFilters replaces the filter configuration. It takes effect on the
// next block without restarting the track.
func (p *Player) UpdateFilters(cfg filter.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fault.New(fault.KindInternal, "player: filters", ErrDestroyed)
	}
	return p.applyOptions(nil, &cfg)
}

// ConnectVoice joins the voice server in info, replacing any current link.
// Repeating the voice update of the live link is a no-op.
func (p *Player) ConnectVoice(ctx context.Context, info audio.VoiceServerInfo) error {
	if info.GuildID == "" {
		info.GuildID = p.guildID
	}
	if err := info.Validate(); err != nil {
		return fault.New(fault.KindBadRequest, "player: voice", err)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return fault.New(fault.KindInternal, "player: voice", ErrDestroyed)
	}
	if p.link != nil && p.voice != nil && *p.voice == info {
		p.mu.Unlock()
		return nil
	}
	p.dropLink()
	gen := p.linkGen
	link := p.dialer.NewLink(p.guildID, p.userID)
	p.mu.Unlock()

	// The handshake runs unlocked so snapshots and other guild work are not
	// held up by a slow voice server.
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	stop := context.AfterFunc(p.ctx, cancel)
	err := link.Connect(cctx, info)
	stop()
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linkGen != gen || p.destroyed {
		// Destroyed or superseded by a newer voice update meanwhile.
		_ = link.Disconnect()
		if p.destroyed {
			return fault.New(fault.KindInternal, "player: voice", ErrDestroyed)
		}
		return nil
	}
	if err != nil {
		_ = link.Disconnect()
		p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
		return fault.New(fault.KindClosed, "player: voice connect", err)
	}
	p.installLink(link, info)
	p.log.Info("player: voice connected", "voice", info)

	if p.transportPaused {
		p.transportPaused = false
		if err := p.syncPause(); err != nil {
			return err
		}
	}
	p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
	return nil
}

func (p *Player) installLink(link audio.Link, info audio.VoiceServerInfo) {
	p.linkGen++
	p.link = link
	p.voice = &info
	if p.sched != nil {
		p.sched.SetLink(link)
	}
	go p.watchLink(p.linkGen, link, info)
}

// dropLink detaches and disconnects the current link. Its watcher sees the
// generation change and stays quiet.
func (p *Player) dropLink() {
	p.linkGen++
	if p.sched != nil {
		p.sched.SetLink(nil)
	}
	if p.link != nil {
		_ = p.link.Disconnect()
	}
	p.link = nil
	p.voice = nil
}

// watchLink handles a link closing under us: resumable codes are retried
// with backoff, anything else pauses playback and reports websocketClosed.
func (p *Player) watchLink(gen uint64, link audio.Link, info audio.VoiceServerInfo) {
	ev, ok := <-link.Closed()
	if !ok {
		ev = audio.CloseEvent{Code: audio.CloseAbnormal, ByRemote: true}
	}

	p.mu.Lock()
	if p.linkGen != gen || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.link = nil
	if p.sched != nil {
		p.sched.SetLink(nil)
	}
	p.mu.Unlock()

	p.log.Warn("player: voice link closed", "code", ev.Code, "reason", ev.Reason, "by_remote", ev.ByRemote)

	if ev.Resumable() {
		fresh, err := p.reconn.Reconnect(p.ctx, info)
		p.mu.Lock()
		if p.linkGen != gen || p.destroyed {
			p.mu.Unlock()
			if fresh != nil {
				_ = fresh.Disconnect()
			}
			return
		}
		if err == nil {
			p.installLink(fresh, info)
			p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linkGen != gen || p.destroyed {
		return
	}
	p.linkGen++
	p.voice = nil
	if p.sched != nil && !p.sched.Paused() {
		p.transportPaused = true
		if err := p.syncPause(); err != nil {
			p.log.Warn("player: pause after voice close failed", "err", err)
		}
	}
	p.emit(Event{Type: EventWebSocketClosed, Close: &ev})
	p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
}

// Destroy ends the current track with reason cleanup, releases the voice
// link and makes the player inert. No event follows it.
func (p *Player) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.endCurrent(EndCleanup)
	p.dropLink()
	p.destroyed = true
	p.cancel()
	if m := p.cfg.Metrics; m != nil {
		m.ActivePlayers.Add(context.Background(), -1)
	}
}

// Destroyed reports whether Destroy was called.
func (p *Player) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Snapshot returns the player's current state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.snapshotLocked()
}

func (p *Player) snapshotLocked() *Snapshot {
	s := &Snapshot{
		GuildID: p.guildID,
		State:   p.state,
		Volume:  p.chain.Volume(),
		Paused:  p.wantPaused,
		Filters: p.chain.Config(),
		Frames:  p.frames,
		Time:    time.Now(),
		Voice:   VoiceState{Ping: -1},
	}
	if p.sched != nil {
		s.Position = p.sched.Position()
		st := p.sched.Stats()
		s.Frames.Sent += st.Sent
		s.Frames.Nulled += st.Nulled
		s.Frames.Late += st.Late
	}
	if p.track != nil {
		t := p.track.WithPosition(s.Position)
		s.Track = &t
	}
	if p.voice != nil {
		s.Voice.Endpoint = p.voice.Endpoint
		s.Voice.ChannelID = p.voice.ChannelID
	}
	if p.link != nil {
		s.Voice.Connected = true
		s.Voice.Ping = p.link.Ping()
	}
	return s
}

func (p *Player) setState(st State) {
	if p.state == st {
		return
	}
	p.state = st
	p.emit(Event{Type: EventStateChanged, Snapshot: p.snapshotLocked()})
}

func (p *Player) setPlaying(on bool) {
	if p.playing == on {
		return
	}
	p.playing = on
	if m := p.cfg.Metrics; m != nil {
		var d int64 = 1
		if !on {
			d = -1
		}
		m.PlayingPlayers.Add(context.Background(), d)
	}
}

func (p *Player) emit(ev Event) {
	if p.destroyed || p.sink == nil {
		return
	}
	ev.GuildID = p.guildID
	p.sink(ev)
}
