// Package api serves the local status and stop endpoints of a running
// stream-transcribe process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcoimbra/sound2transcript/internal/buildinfo"
	"github.com/jmcoimbra/sound2transcript/internal/pipeline"
	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

// Controller is the running pipeline.
type Controller interface {
	Status() pipeline.Status
	Stop()
}

// Sessions reads session history; *session.Registry satisfies it.
type Sessions interface {
	Recent(ctx context.Context, limit int) ([]session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Segments reads mirrored segments; *index.Store satisfies it.
type Segments interface {
	SessionSegments(ctx context.Context, sessionID string) ([]transcribe.Segment, error)
}

type Server struct {
	router   *chi.Mux
	addr     string
	http     *http.Server
	ctl      Controller
	sessions Sessions
	segments Segments
}

// NewServer wires the routes. segments may be nil when no index is
// configured.
func NewServer(addr string, ctl Controller, sessions Sessions, segments Segments) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		addr:     addr,
		ctl:      ctl,
		sessions: sessions,
		segments: segments,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/stop", s.stop)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/sessions/{id}/segments", s.sessionSegments)
	})

	return s
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("status API starting", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// stop requests a graceful stop. The response carries the status seen
// right after the request.
func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status()
	switch st.Phase {
	case pipeline.PhaseStopped, pipeline.PhaseCrashed:
		writeError(w, http.StatusConflict, "session already ended")
		return
	}
	slog.Info("stop requested via API", "session_id", st.SessionID, "remote", r.RemoteAddr)
	s.ctl.Stop()
	writeJSON(w, http.StatusAccepted, s.ctl.Status())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.sessions.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !session.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("get session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get session failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) sessionSegments(w http.ResponseWriter, r *http.Request) {
	if s.segments == nil {
		writeError(w, http.StatusNotImplemented, "segment index not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !session.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	segs, err := s.segments.SessionSegments(r.Context(), id)
	if err != nil {
		slog.Error("read segments failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "read segments failed")
		return
	}
	if segs == nil {
		segs = []transcribe.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "segments": segs, "count": len(segs)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
