package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/protocol"
	"github.com/MrWong99/cadence/internal/session"
)

// readLimit caps a single inbound control message.
const readLimit = 1 << 20

// handleWebsocket upgrades a control connection and serves it until either
// side closes. A Session-Id header resumes that session; an unknown or
// expired id is reported and a fresh session started instead.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("User-Id")
	if userID == "" {
		writeError(w, fault.Newf(fault.KindBadRequest, "server: websocket", "missing User-Id header"), "", "")
		return
	}
	clientName := r.Header.Get("Client-Name")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(readLimit)
	ctx := r.Context()

	var (
		sess    *session.Session
		gen     uint64
		resumed bool
	)
	if id := r.Header.Get("Session-Id"); id != "" {
		sess, gen, err = s.sessions.Resume(id, userID)
		if err != nil {
			slog.Info("server: resume refused", "session_id", id, "err", err)
			if werr := s.writeMessage(ctx, conn, protocol.NewError(asSessionNotFound(err), "", id)); werr != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
			sess = nil
		} else {
			resumed = true
		}
	}
	if sess == nil {
		sess, gen = s.sessions.Create(userID, clientName)
	}
	defer s.sessions.Detach(sess, gen)

	s.cfg.Metrics.ControlConnections.Add(ctx, 1)
	defer s.cfg.Metrics.ControlConnections.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx).With("session_id", sess.ID(), "client", clientName)
	log.Info("server: control connection opened", "resumed", resumed, "remote", r.RemoteAddr)

	// ready precedes anything replayed from the session's queue.
	if err := s.writeMessage(ctx, conn, protocol.NewReady(sess.ID(), resumed)); err != nil {
		log.Warn("server: write ready", "err", err)
		conn.Close(websocket.StatusInternalError, "write failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Pump(gctx, gen, func(ctx context.Context, data []byte) error {
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer cancel()
			return conn.Write(wctx, websocket.MessageText, data)
		})
	})
	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			sess.Handle(gctx, data)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				pctx, cancel := context.WithTimeout(gctx, s.cfg.WriteTimeout)
				err := conn.Ping(pctx)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()

	switch status := websocket.CloseStatus(err); {
	case errors.Is(err, session.ErrSuperseded):
		conn.Close(websocket.StatusPolicyViolation, "session resumed elsewhere")
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("server: control connection closed by client", "code", int(status))
	default:
		log.Info("server: control connection ended", "err", err)
		conn.CloseNow()
	}
}

// asSessionNotFound reports every refused resume as sessionNotFound; the
// cause stays in the message.
func asSessionNotFound(err error) error {
	if fault.Is(err, fault.KindSessionNotFound) {
		return err
	}
	return fault.New(fault.KindSessionNotFound, "server: resume", err)
}

func (s *Server) writeMessage(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
