package session

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/player"
	"github.com/MrWong99/cadence/internal/protocol"
	"github.com/MrWong99/cadence/pkg/audio"
)

// expiredRetention is how long an expired session id keeps answering
// "expired" rather than "not found".
const expiredRetention = time.Hour

// Config holds session-wide settings. It may be replaced at runtime with
// [Manager.SetConfig]; sessions created afterwards pick up the new values.
type Config struct {
	// ResumeTimeout is the default resume window. Default: 60s.
	ResumeTimeout time.Duration

	// QueueSize and Policy configure each session's outbound queue.
	QueueSize int
	Policy    OverflowPolicy

	// UpdateInterval is the playerUpdate tick. Default: 5s.
	UpdateInterval time.Duration

	// StatsInterval is the stats broadcast period. Default: 60s.
	StatsInterval time.Duration

	// Player configures new players.
	Player player.Config
}

func (c Config) withDefaults() Config {
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 60 * time.Second
	}
	return c
}

// Manager owns every session of the node.
type Manager struct {
	loader  player.Loader
	dialer  audio.Dialer
	metrics *observe.Metrics
	ctx     context.Context
	started time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*Session
	expired  map[string]time.Time
}

// NewManager creates a Manager. Players it creates resolve through loader
// and join voice through dialer. metrics may be nil.
func NewManager(ctx context.Context, loader player.Loader, dialer audio.Dialer, cfg Config, metrics *observe.Metrics) *Manager {
	cfg = cfg.withDefaults()
	if cfg.Player.Metrics == nil {
		cfg.Player.Metrics = metrics
	}
	return &Manager{
		loader:   loader,
		dialer:   dialer,
		metrics:  metrics,
		ctx:      ctx,
		started:  time.Now(),
		cfg:      cfg,
		sessions: make(map[string]*Session),
		expired:  make(map[string]time.Time),
	}
}

// SetConfig replaces the configuration. Existing sessions and players keep
// their settings; tick intervals change at the next tick.
func (m *Manager) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	if cfg.Player.Metrics == nil {
		cfg.Player.Metrics = m.metrics
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Manager) newPlayer(guildID, userID string, sink player.Sink) *player.Player {
	return player.New(m.ctx, guildID, userID, m.loader, m.dialer, sink, m.config().Player)
}

// Create starts a fresh session attached to a new connection.
func (m *Manager) Create(userID, clientName string) (*Session, uint64) {
	s := newSession(m, uuid.NewString(), userID, clientName)
	gen, _ := s.attach()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("session: created", "session_id", s.id, "user_id", userID, "client", clientName)
	return s, gen
}

// Resume attaches a new connection to an existing session. The caller sends
// ready before starting [Session.Pump], which then replays what was
// buffered.
func (m *Manager) Resume(id, userID string) (*Session, uint64, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, 0, err
	}
	if s.userID != userID {
		return nil, 0, fault.New(fault.KindSessionNotFound, "session: resume", ErrNotFound)
	}
	gen, err := s.attach()
	if err != nil {
		return nil, 0, err
	}
	slog.Info("session: resumed", "session_id", id, "buffered", s.queue.Len())
	return s, gen, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if _, ok := m.expired[id]; ok {
		return nil, fault.New(fault.KindSessionExpired, "session: "+id, ErrExpired)
	}
	return nil, fault.New(fault.KindSessionNotFound, "session: "+id, ErrNotFound)
}

// Detach ends connection gen of s. A resumable session waits for its
// resume window; any other session is destroyed at once.
func (m *Manager) Detach(s *Session, gen uint64) {
	destroy := s.detach(gen, func() { m.expire(s, gen) })
	if destroy {
		m.remove(s, false)
	}
}

func (m *Manager) expire(s *Session, gen uint64) {
	if !s.detachedSince(gen) {
		return
	}
	slog.Info("session: resume window elapsed", "session_id", s.id)
	m.remove(s, true)
}

func (m *Manager) remove(s *Session, expired bool) {
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	if expired {
		now := time.Now()
		for id, at := range m.expired {
			if now.Sub(at) > expiredRetention {
				delete(m.expired, id)
			}
		}
		m.expired[s.id] = now
	}
	m.mu.Unlock()

	s.destroy()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("session: destroyed", "session_id", s.id)
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Stats summarises all players of the node.
func (m *Manager) Stats() protocol.Stats {
	sessions := m.Sessions()
	st := protocol.Stats{
		Sessions:   len(sessions),
		Uptime:     time.Since(m.started).Milliseconds(),
		FrameStats: &protocol.FrameStats{},
	}
	for _, s := range sessions {
		for _, snap := range s.Players() {
			st.Players++
			if snap.State == player.StatePlaying {
				st.PlayingPlayers++
			}
			st.FrameStats.Sent += snap.Frames.Sent
			st.FrameStats.Nulled += snap.Frames.Nulled
			st.FrameStats.Deficit += snap.Frames.Late
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st.Memory = protocol.Memory{
		Free:       ms.HeapIdle - ms.HeapReleased,
		Used:       ms.HeapInuse,
		Allocated:  ms.Sys,
		Reservable: ms.Sys,
	}
	return st
}

// Run drives the playerUpdate and stats ticks until ctx ends, then destroys
// every session.
func (m *Manager) Run(ctx context.Context) error {
	cfg := m.config()
	updates := time.NewTicker(cfg.UpdateInterval)
	defer updates.Stop()
	stats := time.NewTicker(cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-updates.C:
			for _, s := range m.Sessions() {
				s.tick()
			}
			if c := m.config(); c.UpdateInterval != cfg.UpdateInterval {
				cfg.UpdateInterval = c.UpdateInterval
				updates.Reset(c.UpdateInterval)
			}
		case <-stats.C:
			st := m.Stats()
			st.Op = protocol.OpStats
			for _, s := range m.Sessions() {
				if s.Attached() {
					s.send(st)
				}
			}
			if c := m.config(); c.StatsInterval != cfg.StatsInterval {
				cfg.StatsInterval = c.StatsInterval
				stats.Reset(c.StatsInterval)
			}
		}
	}
}

// Close destroys every session and its players.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		m.remove(s, false)
	}
}
