// Package session manages client sessions: one per control connection,
// surviving disconnects for a client-chosen resume window.
//
// A [Session] owns the players of its client, keyed by guild. Operations on
// one guild run one at a time and in arrival order on a per-guild executor;
// operations on different guilds run independently. Everything the session
// sends to its client goes through a bounded [Queue], which is also the
// resume buffer: messages that could not be delivered while the client was
// away are replayed, in order, when it resumes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/player"
	"github.com/MrWong99/cadence/internal/protocol"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/track"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")

	// ErrExpired is returned for sessions whose resume window elapsed.
	ErrExpired = errors.New("session: expired")

	// ErrPlayerNotFound is returned for operations on a guild without a
	// player.
	ErrPlayerNotFound = errors.New("session: player not found")

	// ErrClosed is returned by operations on a destroyed session.
	ErrClosed = errors.New("session: closed")

	// ErrSuperseded is returned by [Session.Pump] when the connection no
	// longer serves the session.
	ErrSuperseded = errors.New("session: connection superseded")
)

// Session is one client's logical session.
type Session struct {
	id         string
	userID     string
	clientName string
	mgr        *Manager
	queue      *Queue
	log        *slog.Logger

	// sendMu is held by a connection from its ownership check until the
	// message it sent is acked.
	sendMu sync.Mutex

	mu       sync.Mutex
	players  map[string]*entry
	resuming bool
	timeout  time.Duration
	attached bool
	connGen  uint64
	expiry   *time.Timer
	closed   bool
}

func newSession(m *Manager, id, userID, clientName string) *Session {
	cfg := m.config()
	return &Session{
		id:         id,
		userID:     userID,
		clientName: clientName,
		mgr:        m,
		queue:      NewQueue(cfg.QueueSize, cfg.Policy, m.metrics),
		log:        slog.With("session_id", id),
		players:    make(map[string]*entry),
		timeout:    cfg.ResumeTimeout,
	}
}

// ID returns the session id. It is stable across resumes.
func (s *Session) ID() string { return s.id }

// UserID returns the bot user the session acts for.
func (s *Session) UserID() string { return s.userID }

// Attached reports whether a control connection currently serves s.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Owns reports whether connection gen is the one currently serving s. A
// connection that lost a takeover stops writing.
func (s *Session) Owns(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && !s.closed && s.connGen == gen
}

// Resuming returns the resume settings.
func (s *Session) Resuming() protocol.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Session{Resuming: s.resuming, Timeout: int64(s.timeout / time.Second)}
}

// ConfigureResuming enables or disables resuming. A zero timeout keeps the
// current window.
func (s *Session) ConfigureResuming(resuming bool, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resuming = resuming
	if timeout > 0 {
		s.timeout = timeout
	}
	s.log.Debug("session: resuming configured", "resuming", resuming, "timeout", s.timeout)
}

// Pump writes queued messages for connection gen with send until send
// fails or ctx ends. A message leaves the queue only after send returned nil
// for it. Pump returns [ErrSuperseded] once another connection owns s; the
// ownership check and the write it guards are atomic with respect to other
// pumps, so a resumed connection never replays a message its predecessor is
// still writing.
func (s *Session) Pump(ctx context.Context, gen uint64, send func(context.Context, []byte) error) error {
	for {
		sent, err := s.sendNext(ctx, gen, send)
		if err != nil {
			return err
		}
		if sent {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.queue.Ready():
		}
	}
}

// sendNext writes the head of the queue if gen still owns s. It reports
// false when the queue is empty.
func (s *Session) sendNext(ctx context.Context, gen uint64, send func(context.Context, []byte) error) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.Owns(gen) {
		// The wake-up this pump may have consumed belongs to the new owner.
		s.queue.signal()
		return false, ErrSuperseded
	}
	e, ok := s.queue.Peek()
	if !ok {
		return false, nil
	}
	if err := send(ctx, e.Data); err != nil {
		return false, err
	}
	s.queue.Ack(e.Seq)
	return true, nil
}

// Queue exposes the outbound queue.
func (s *Session) Queue() *Queue { return s.queue }

// Handle decodes and executes one control message. Failures are reported
// to the client as error messages; Handle itself never fails. Guild-scoped
// commands are queued on their guild's executor and Handle returns without
// waiting for them.
func (s *Session) Handle(ctx context.Context, data []byte) {
	h, cmd, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug("session: rejected message", "op", h.Op, "guild_id", h.GuildID, "err", err)
		s.emitError(err, h.GuildID)
		return
	}
	if c, ok := cmd.(protocol.ConfigureResuming); ok {
		s.ConfigureResuming(c.Resuming, c.Timeout)
		return
	}

	guildID := h.GuildID
	if _, ok := cmd.(protocol.Destroy); ok {
		// A missing player is already destroyed.
		_ = s.enqueue(guildID, false, s.destroyEntry)
		return
	}
	create := true
	switch cmd.(type) {
	case protocol.Stop, protocol.Seek:
		create = false
	}
	// Queued ops outlive the connection that sent them.
	ctx = context.WithoutCancel(ctx)
	s.submit(guildID, create, func(p *player.Player) error {
		return s.apply(ctx, p, cmd)
	})
}

// submit queues fn on the guild's executor and reports its error to the
// client.
func (s *Session) submit(guildID string, create bool, fn func(*player.Player) error) {
	err := s.enqueue(guildID, create, func(e *entry) {
		p := s.playerFor(e, create)
		if p == nil {
			s.emitError(playerNotFound(guildID), guildID)
			return
		}
		if err := fn(p); err != nil {
			s.emitError(err, guildID)
		}
	})
	if err != nil {
		s.emitError(err, guildID)
	}
}

func (s *Session) apply(ctx context.Context, p *player.Player, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.VoiceUpdate:
		return p.ConnectVoice(ctx, c.Info)
	case protocol.Play:
		return p.Play(ctx, player.PlayRequest{
			Track:      c.Track,
			Identifier: c.Identifier,
			Start:      c.StartTime,
			End:        c.EndTime,
			Volume:     c.Volume,
			Paused:     c.Pause,
			Filters:    c.Filters,
			NoReplace:  c.NoReplace,
		})
	case protocol.Stop:
		return p.Stop()
	case protocol.Pause:
		return p.Pause(c.Pause)
	case protocol.Seek:
		return p.Seek(c.Position)
	case protocol.Volume:
		return p.SetVolume(c.Volume)
	case protocol.Filters:
		return p.UpdateFilters(c.Config)
	}
	return fault.Newf(fault.KindUnknownOp, "session: dispatch", "unhandled op %q", cmd.Op())
}

// ─── REST operations ──────────────────────────────────────────────────────────

// Players returns snapshots of every player.
func (s *Session) Players() []player.Snapshot {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.players))
	for _, e := range s.players {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]player.Snapshot, 0, len(entries))
	for _, e := range entries {
		if p := e.current(); p != nil {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// Player returns a snapshot of the guild's player.
func (s *Session) Player(guildID string) (player.Snapshot, error) {
	s.mu.Lock()
	e := s.players[guildID]
	s.mu.Unlock()
	if e != nil {
		if p := e.current(); p != nil {
			return p.Snapshot(), nil
		}
	}
	return player.Snapshot{}, playerNotFound(guildID)
}

// UpdatePlayer applies a REST update to the guild's player, creating it if
// needed, and returns the resulting state. The whole update is validated
// before any of it is applied.
func (s *Session) UpdatePlayer(ctx context.Context, guildID string, u protocol.UpdatePlayer, noReplace bool) (player.Snapshot, error) {
	if err := u.Validate(); err != nil {
		return player.Snapshot{}, err
	}
	var voice *audio.VoiceServerInfo
	if v := u.Voice; v != nil {
		voice = &audio.VoiceServerInfo{
			GuildID:   guildID,
			ChannelID: v.ChannelID,
			Endpoint:  v.Endpoint,
			SessionID: v.SessionID,
			Token:     v.Token,
		}
		if err := voice.Validate(); err != nil {
			return player.Snapshot{}, fault.New(fault.KindBadRequest, "session: update player", err)
		}
	}
	var req *player.PlayRequest
	stop := false
	if t := u.Track; t != nil {
		switch {
		case t.Encoded != nil && *t.Encoded != "":
			tr, err := track.Decode(*t.Encoded)
			if err != nil {
				return player.Snapshot{}, fault.New(fault.KindBadRequest, "session: update player", err)
			}
			req = &player.PlayRequest{Track: &tr}
		case t.Identifier != "":
			req = &player.PlayRequest{Identifier: t.Identifier}
		default:
			stop = true
		}
	}

	var snap player.Snapshot
	err := s.run(ctx, guildID, true, func(p *player.Player) error {
		if voice != nil {
			if err := p.ConnectVoice(ctx, *voice); err != nil {
				return err
			}
		}
		switch {
		case req != nil:
			req.Volume, req.Paused, req.Filters, req.NoReplace = u.Volume, u.Paused, u.Filters, noReplace
			if u.Position != nil {
				req.Start = time.Duration(*u.Position) * time.Millisecond
			}
			if u.EndTime != nil {
				req.End = time.Duration(*u.EndTime) * time.Millisecond
			}
			if err := p.Play(ctx, *req); err != nil {
				return err
			}
		default:
			if stop {
				if err := p.Stop(); err != nil {
					return err
				}
			}
			if u.Filters != nil {
				if err := p.UpdateFilters(*u.Filters); err != nil {
					return err
				}
			}
			if u.Volume != nil {
				if err := p.SetVolume(*u.Volume); err != nil {
					return err
				}
			}
			if u.Paused != nil {
				if err := p.Pause(*u.Paused); err != nil {
					return err
				}
			}
			if u.Position != nil && !stop {
				if err := p.Seek(time.Duration(*u.Position) * time.Millisecond); err != nil {
					return err
				}
			}
		}
		snap = p.Snapshot()
		return nil
	})
	return snap, err
}

// DestroyPlayer destroys the guild's player. Destroying a missing player is
// not an error.
func (s *Session) DestroyPlayer(ctx context.Context, guildID string) error {
	done := make(chan struct{})
	err := s.enqueue(guildID, false, func(e *entry) {
		s.destroyEntry(e)
		close(done)
	})
	if errors.Is(err, ErrPlayerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes fn on the guild's executor and waits for it.
func (s *Session) run(ctx context.Context, guildID string, create bool, fn func(*player.Player) error) error {
	errc := make(chan error, 1)
	err := s.enqueue(guildID, create, func(e *entry) {
		p := s.playerFor(e, create)
		if p == nil {
			errc <- playerNotFound(guildID)
			return
		}
		errc <- fn(p)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── guild entries ────────────────────────────────────────────────────────────

// entry serialises the operations of one guild. Ops are appended under the
// session lock and drained by at most one goroutine at a time.
type entry struct {
	guildID string

	mu      sync.Mutex
	p       *player.Player
	pending []func(*entry)
	running bool
}

func (e *entry) current() *player.Player {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p
}

// enqueue appends op to the guild's executor, creating the entry when
// create is set.
func (s *Session) enqueue(guildID string, create bool, op func(*entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.New(fault.KindSessionNotFound, "session: "+s.id, ErrClosed)
	}
	e := s.players[guildID]
	if e == nil {
		if !create {
			return playerNotFound(guildID)
		}
		e = &entry{guildID: guildID}
		s.players[guildID] = e
	}

	e.mu.Lock()
	e.pending = append(e.pending, op)
	start := !e.running
	e.running = true
	e.mu.Unlock()
	if start {
		go s.drain(e)
	}
	return nil
}

func (s *Session) drain(e *entry) {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.running = false
			idle := e.p == nil
			e.mu.Unlock()
			if idle {
				s.forget(e)
			}
			return
		}
		op := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.mu.Unlock()

		op(e)
	}
}

// forget drops an entry that has neither a player nor queued work.
func (s *Session) forget(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.players[e.guildID] != e {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p == nil && !e.running && len(e.pending) == 0 {
		delete(s.players, e.guildID)
	}
}

// playerFor returns the entry's player, creating it when allowed. It must
// run on the entry's executor.
func (s *Session) playerFor(e *entry, create bool) *player.Player {
	e.mu.Lock()
	p := e.p
	e.mu.Unlock()
	if p != nil || !create {
		return p
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	p = s.mgr.newPlayer(e.guildID, s.userID, s.playerSink)
	e.mu.Lock()
	e.p = p
	e.mu.Unlock()
	return p
}

func (s *Session) destroyEntry(e *entry) {
	e.mu.Lock()
	p := e.p
	e.p = nil
	e.mu.Unlock()
	if p != nil {
		p.Destroy()
		s.log.Debug("session: player destroyed", "guild_id", e.guildID)
	}
}

// ─── outbound ─────────────────────────────────────────────────────────────────

// playerSink forwards player events. It runs under the player's lock and
// only encodes and queues.
func (s *Session) playerSink(ev player.Event) {
	s.send(protocol.FromPlayerEvent(ev))
}

func (s *Session) emitError(err error, guildID string) {
	s.send(protocol.NewError(err, guildID, s.id))
}

// send encodes msg and queues it for the client.
func (s *Session) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("session: encode message", "err", err)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if !s.queue.Push(data) {
		s.log.Warn("session: outbound queue overflow", "dropped_total", s.queue.Dropped())
	}
}

// tick queues a playerUpdate for every player. Ticks are skipped while no
// connection is attached, so they never fill the resume buffer.
func (s *Session) tick() {
	if !s.Attached() {
		return
	}
	for _, snap := range s.Players() {
		s.send(protocol.NewPlayerUpdate(snap))
	}
}

// ─── lifecycle (driven by the Manager) ────────────────────────────────────────

// attach marks s served by a new connection and returns its generation.
func (s *Session) attach() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fault.New(fault.KindSessionExpired, "session: resume", ErrExpired)
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.attached = true
	s.connGen++
	return s.connGen, nil
}

// detach ends connection gen. It reports whether the session should be
// destroyed now and, if not, arms the resume timer with onExpire.
func (s *Session) detach(gen uint64, onExpire func()) (destroy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.connGen || !s.attached {
		return false
	}
	s.attached = false
	if !s.resuming || s.timeout <= 0 {
		return true
	}
	s.expiry = time.AfterFunc(s.timeout, onExpire)
	s.log.Info("session: detached, awaiting resume", "timeout", s.timeout, "buffered", s.queue.Len())
	return false
}

// detachedSince reports whether s is still detached on the connection generation
// the timer was armed for.
func (s *Session) detachedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.attached && s.connGen == gen
}

// destroy tears down every player and drops buffered messages.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	var players []*player.Player
	for _, e := range s.players {
		e.mu.Lock()
		if e.p != nil {
			players = append(players, e.p)
			e.p = nil
		}
		e.mu.Unlock()
	}
	s.players = make(map[string]*entry)
	s.mu.Unlock()

	for _, p := range players {
		p.Destroy()
	}
	s.queue.Clear()
}

func playerNotFound(guildID string) error {
	return fault.New(fault.KindNotFound, "session: guild "+guildID, ErrPlayerNotFound)
}
