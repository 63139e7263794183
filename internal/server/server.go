// Package server exposes the node over HTTP: the control websocket, the
// stateless REST surface, health probes and the metrics endpoint.
//
// Every /v4 route and /version require the node password in the
// Authorization header. Health and metrics routes are open so orchestrators
// and scrapers can reach them without credentials.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/protocol"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/track"
)

// ErrUnauthorized is returned to requests with a missing or wrong password.
var ErrUnauthorized = errors.New("server: unauthorized")

// TrackLoader resolves load requests. *resolver.Registry implements it.
type TrackLoader interface {
	Load(ctx context.Context, query string) (track.LoadResult, error)
	Names() []string
}

// Config configures a [Server].
type Config struct {
	// Password is compared against the Authorization header. Empty disables
	// authentication.
	Password string

	// Version and BuildTime are reported by /version and /v4/info.
	Version   string
	BuildTime time.Time

	// Checkers back the /readyz probe.
	Checkers []health.Checker

	// Metrics may be nil.
	Metrics *observe.Metrics

	// PingInterval is the control connection keepalive period. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds a single websocket write. Default: 10s.
	WriteTimeout time.Duration

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Server routes HTTP traffic to the session manager and the resolver.
type Server struct {
	sessions *session.Manager
	loader   TrackLoader
	cfg      Config
	password atomic.Pointer[string]
	health   *health.Handler
	handler  http.Handler
}

// New creates a Server.
func New(sessions *session.Manager, loader TrackLoader, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		sessions: sessions,
		loader:   loader,
		cfg:      cfg,
		health:   health.New(cfg.Checkers...),
	}
	s.SetPassword(cfg.Password)

	api := http.NewServeMux()
	api.HandleFunc("GET /v4/websocket", s.handleWebsocket)
	api.HandleFunc("GET /v4/loadtracks", s.handleLoadTracks)
	api.HandleFunc("GET /v4/decodetrack", s.handleDecodeTrack)
	api.HandleFunc("POST /v4/decodetracks", s.handleDecodeTracks)
	api.HandleFunc("GET /v4/sessions/{sessionId}/players", s.handleListPlayers)
	api.HandleFunc("GET /v4/sessions/{sessionId}/players/{guildId}", s.handleGetPlayer)
	api.HandleFunc("PATCH /v4/sessions/{sessionId}/players/{guildId}", s.handleUpdatePlayer)
	api.HandleFunc("DELETE /v4/sessions/{sessionId}/players/{guildId}", s.handleDestroyPlayer)
	api.HandleFunc("PATCH /v4/sessions/{sessionId}", s.handleUpdateSession)
	api.HandleFunc("GET /v4/info", s.handleInfo)
	api.HandleFunc("GET /v4/stats", s.handleStats)
	api.HandleFunc("GET /version", s.handleVersion)

	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())
	mux.Handle("/", s.authenticate(api))

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetPassword replaces the node password. Open connections are unaffected.
func (s *Server) SetPassword(pw string) { s.password.Store(&pw) }

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := *s.password.Load()
		got := r.Header.Get("Authorization")
		if want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			observe.Logger(r.Context()).Warn("server: rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, protocol.Error{
				Op:       protocol.OpError,
				Kind:     "unauthorized",
				Category: "ProtocolError",
				Message:  ErrUnauthorized.Error(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			slog.Info("server: listening", "addr", addr, "tls", true)
			errc <- srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		slog.Info("server: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.health.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusOf maps an error kind to an HTTP status code.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.KindBadRequest, fault.KindUnknownOp, fault.KindInvalidParameter, fault.KindMalformed, fault.KindUnsupported:
		return http.StatusBadRequest
	case fault.KindNotFound, fault.KindSessionNotFound, fault.KindSessionExpired:
		return http.StatusNotFound
	case fault.KindInvalidState, fault.KindUnsupportedOperation:
		return http.StatusConflict
	case fault.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case fault.KindClosed, fault.KindWouldBlock:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, guildID, sessionID string) {
	writeJSON(w, statusOf(err), protocol.NewError(err, guildID, sessionID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
