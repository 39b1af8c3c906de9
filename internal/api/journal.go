package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simproxy/internal/model"
	"github.com/seantiz/simproxy/internal/store"
)

type listHistoryResponse struct {
	Sessions []*model.SessionRecord `json:"sessions"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

type listCallsResponse struct {
	SessionID string              `json:"session_id"`
	Calls     []*model.CallRecord `json:"calls"`
	Total     int                 `json:"total"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
}

// requireJournal writes 503 and returns false when the journal is disabled.
func (s *Server) requireJournal(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return false
	}
	return true
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	limit, offset := pageParams(r)

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*model.SessionRecord{}
	}

	s.writeJSON(w, http.StatusOK, listHistoryResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}

	rec, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetSession(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		s.logger.Error("get session for calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	limit, offset := pageParams(r)
	calls, total, err := s.store.ListCalls(r.Context(), id, limit, offset)
	if err != nil {
		s.logger.Error("list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if calls == nil {
		calls = []*model.CallRecord{}
	}

	s.writeJSON(w, http.StatusOK, listCallsResponse{
		SessionID: id,
		Calls:     calls,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
