package server

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strconv"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/protocol"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/track"
)

// maxBody caps REST request bodies.
const maxBody = 1 << 20

func (s *Server) handleLoadTracks(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("identifier")
	if id == "" {
		writeError(w, fault.Newf(fault.KindBadRequest, "server: loadtracks", "missing identifier"), "", "")
		return
	}
	res, err := s.loader.Load(r.Context(), id)
	if err != nil {
		// Only a cancelled request gets here; nobody is listening.
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecodeTrack(w http.ResponseWriter, r *http.Request) {
	t, err := track.Decode(r.URL.Query().Get("encodedTrack"))
	if err != nil {
		writeError(w, fault.New(fault.KindBadRequest, "server: decodetrack", err), "", "")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDecodeTracks(w http.ResponseWriter, r *http.Request) {
	var encoded []string
	if err := decodeBody(r, &encoded); err != nil {
		writeError(w, err, "", "")
		return
	}
	out := make([]track.Track, 0, len(encoded))
	for _, e := range encoded {
		t, err := track.Decode(e)
		if err != nil {
			writeError(w, fault.New(fault.KindBadRequest, "server: decodetracks", err), "", "")
			return
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("sessionId")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err, r.PathValue("guildId"), id)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	snaps := sess.Players()
	out := make([]protocol.Player, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, protocol.PlayerOf(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	guildID := r.PathValue("guildId")
	snap, err := sess.Player(guildID)
	if err != nil {
		writeError(w, err, guildID, sess.ID())
		return
	}
	writeJSON(w, http.StatusOK, protocol.PlayerOf(snap))
}

func (s *Server) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	guildID := r.PathValue("guildId")

	noReplace := false
	if v := r.URL.Query().Get("noReplace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, fault.New(fault.KindBadRequest, "server: update player", err), guildID, sess.ID())
			return
		}
		noReplace = b
	}
	var u protocol.UpdatePlayer
	if err := decodeBody(r, &u); err != nil {
		writeError(w, err, guildID, sess.ID())
		return
	}

	snap, err := sess.UpdatePlayer(r.Context(), guildID, u, noReplace)
	if err != nil {
		writeError(w, err, guildID, sess.ID())
		return
	}
	writeJSON(w, http.StatusOK, protocol.PlayerOf(snap))
}

func (s *Server) handleDestroyPlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	guildID := r.PathValue("guildId")
	if err := sess.DestroyPlayer(r.Context(), guildID); err != nil {
		writeError(w, err, guildID, sess.ID())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var u protocol.UpdateSession
	if err := decodeBody(r, &u); err != nil {
		writeError(w, err, "", sess.ID())
		return
	}

	cur := sess.Resuming()
	resuming := cur.Resuming
	if u.Resuming != nil {
		resuming = *u.Resuming
	}
	var timeout int64
	if u.Timeout != nil {
		timeout = *u.Timeout
	}
	d, err := protocol.ResumeTimeout(timeout)
	if err != nil {
		writeError(w, fault.New(fault.KindBadRequest, "server: update session", err), "", sess.ID())
		return
	}
	sess.ConfigureResuming(resuming, d)
	writeJSON(w, http.StatusOK, sess.Resuming())
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Info{
		Version:        s.cfg.Version,
		BuildTime:      s.cfg.BuildTime.UnixMilli(),
		Go:             runtime.Version(),
		SourceManagers: s.loader.Names(),
		Filters:        protocol.FilterNames(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.cfg.Version)
}

// decodeBody strictly decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.New(fault.KindBadRequest, "server: decode body", err)
	}
	if dec.More() {
		return fault.Newf(fault.KindBadRequest, "server: decode body", "unexpected data after JSON body")
	}
	return nil
}
