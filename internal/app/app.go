// Package app wires the node's subsystems into a running process.
//
// New builds everything from a validated config: the track cache, the
// configured sources behind the resolver registry, the voice transport, the
// session manager and the HTTP server. Run serves until its context ends and
// Shutdown releases what New acquired.
//
// Tests inject doubles through the With* options; anything not injected is
// created from the config and the component registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/cache"
	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/player"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/resolver"
	"github.com/MrWong99/cadence/internal/server"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/audio"
)

// App owns the lifetime of every subsystem.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	level   *slog.LevelVar
	metrics *observe.Metrics

	version   string
	buildTime time.Time

	cache      cache.Cache
	sources    []resolver.Resolver
	resolvers  *resolver.Registry
	dialer     audio.Dialer
	newEncoder func() (audio.Encoder, error)
	sessions   *session.Manager
	server     *server.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option customises New. Use these to inject test doubles.
type Option func(*App)

// WithSources replaces the sources the registry would create from
// resolver.sources.
func WithSources(rs ...resolver.Resolver) Option {
	return func(a *App) { a.sources = rs }
}

// WithDialer replaces the configured voice transport.
func WithDialer(d audio.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithEncoder overrides the per-track frame encoder. The default is Opus.
func WithEncoder(f func() (audio.Encoder, error)) Option {
	return func(a *App) { a.newEncoder = f }
}

// WithLevel hands the app the level variable backing the process logger so
// reloads can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets what /version and /v4/info report.
func WithVersion(version string, built time.Time) Option {
	return func(a *App) { a.version, a.buildTime = version, built }
}

// New builds an App from cfg. reg supplies source and transport factories
// for whatever the options did not inject; it may be nil when both are
// injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(slogLevel(cfg.Server.LogLevel))

	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initResolvers(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sources: %w", err)
	}
	if err := a.initTransport(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init voice transport: %w", err)
	}

	var certFile, keyFile string
	if t := cfg.Server.TLS; t != nil {
		certFile, keyFile = t.CertFile, t.KeyFile
	}
	a.sessions = session.NewManager(ctx, a.resolvers, a.dialer, a.sessionConfig(cfg), a.metrics)
	a.server = server.New(a.sessions, a.resolvers, server.Config{
		Password:  cfg.Server.Password,
		Version:   a.version,
		BuildTime: a.buildTime,
		Checkers:  a.checkers(),
		Metrics:   a.metrics,
		CertFile:  certFile,
		KeyFile:   keyFile,
	})
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCache(ctx context.Context) error {
	c := a.cfg.Cache
	store, err := cache.Open(ctx, cache.Options{
		Backend:       c.Backend,
		MaxEntries:    c.MaxEntries,
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		KeyPrefix:     c.Redis.KeyPrefix,
	})
	if err != nil {
		return err
	}
	if store != nil {
		a.cache = store
		a.closers = append(a.closers, store.Close)
	}
	slog.Info("track cache ready", "backend", c.Backend)
	return nil
}

func (a *App) initResolvers() error {
	if a.sources == nil {
		if a.reg == nil {
			return errors.New("no sources injected and no registry given")
		}
		rs, err := a.reg.CreateSources(a.cfg)
		if err != nil {
			return err
		}
		a.sources = rs
	}
	for _, r := range a.sources {
		if c, ok := r.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	rc := a.cfg.Resolver
	a.resolvers = resolver.New(a.sources, resolver.Options{
		Workers:  rc.Workers,
		Timeout:  rc.Timeout,
		Cache:    a.cache,
		CacheTTL: a.cfg.Cache.TTL,
		Breaker: resilience.BreakerConfig{
			MaxFailures:  rc.Breaker.MaxFailures,
			ResetTimeout: rc.Breaker.ResetTimeout,
			HalfOpenMax:  rc.Breaker.HalfOpenMax,
		},
		Metrics: a.metrics,
	})
	slog.Info("sources ready", "sources", a.resolvers.Names())
	return nil
}

func (a *App) initTransport() error {
	if a.dialer != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("no dialer injected and no registry given")
	}
	d, closeFn, err := a.reg.CreateTransport(a.cfg)
	if err != nil {
		return err
	}
	a.dialer = d
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}
	slog.Info("voice transport ready", "transport", a.cfg.Voice.Transport)
	return nil
}

// checkers backs /readyz with the cache and, when the transport can tell,
// the voice gateway.
func (a *App) checkers() []health.Checker {
	var out []health.Checker
	if a.cache != nil {
		out = append(out, health.Checker{Name: "cache", Check: a.cache.Ping})
	}
	if r, ok := a.dialer.(interface{ Ready() error }); ok {
		out = append(out, health.Checker{Name: "voice", Check: func(context.Context) error { return r.Ready() }})
	}
	return out
}

func (a *App) sessionConfig(cfg *config.Config) session.Config {
	policy, err := session.ParsePolicy(string(cfg.Session.OverflowPolicy))
	if err != nil {
		// Validated configs never get here.
		policy = session.DropOldest
	}
	p := cfg.Player
	return session.Config{
		ResumeTimeout:  cfg.Session.ResumeTimeout,
		QueueSize:      cfg.Session.BufferSize,
		Policy:         policy,
		UpdateInterval: p.UpdateInterval,
		StatsInterval:  cfg.Session.StatsInterval,
		Player: player.Config{
			Interval:       p.FrameInterval,
			StuckThreshold: p.StuckThreshold,
			HandoffTimeout: p.HandoffTimeout,
			DefaultVolume:  p.DefaultVolume,
			ConnectTimeout: p.ConnectTimeout,
			Reconnect: player.ReconnectorConfig{
				MaxRetries: p.Reconnect.MaxRetries,
				Backoff:    p.Reconnect.InitialBackoff,
				MaxBackoff: p.Reconnect.MaxBackoff,
			},
			NewEncoder: a.newEncoder,
			Metrics:    a.metrics,
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, drives session housekeeping and keeps watched sources
// current. It blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Resolver.Local.Watch {
		for _, r := range a.sources {
			w, ok := r.(interface{ Watch(context.Context) error })
			if !ok {
				continue
			}
			if err := w.Watch(ctx); err != nil {
				return fmt.Errorf("app: watch source %q: %w", r.Name(), err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(gctx, a.cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		return a.sessions.Run(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Handler exposes the HTTP tree, mostly for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Reload applies a config change the watcher accepted. Sections that need a
// restart are left alone; the watcher already warned about them.
func (a *App) Reload(_, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PasswordChanged {
		a.server.SetPassword(new.Server.Password)
		slog.Info("node password changed")
	}
	if d.PlayerChanged || d.SessionChanged {
		a.sessions.SetConfig(a.sessionConfig(new))
		slog.Info("session defaults updated", "player", d.PlayerChanged, "session", d.SessionChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown destroys every session, then releases transports, sources and the
// cache. Closers left when ctx expires are skipped and ctx's error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.Sessions()), "closers", len(a.closers))
		a.sessions.Close()

		done := make(chan struct{})
		go func() {
			a.closeAll()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			err = ctx.Err()
		}
	})
	return err
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
