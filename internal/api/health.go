package api

import (
	"context"
	"net/http"
	"time"
)

const healthJournalTimeout = 2 * time.Second

// Journal status values reported by /healthz.
const (
	journalOK          = "ok"
	journalDisabled    = "disabled"
	journalUnavailable = "unavailable"
)

type healthResponse struct {
	Status   string         `json:"status"`
	Sessions int            `json:"sessions"`
	ByState  map[string]int `json:"by_state"`
	Journal  string         `json:"journal"`
}

// handleHealthz reports the open proxies by session state and whether the
// journal answers. An unreachable journal degrades the service but proxies
// keep working, so the response is 503 only in that case.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ByState: map[string]int{}, Journal: journalDisabled}

	for _, e := range s.manager.List() {
		resp.Sessions++
		resp.ByState[e.SessionState().String()]++
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthJournalTimeout)
		defer cancel()
		if _, err := s.store.GetStats(ctx); err != nil {
			s.logger.Warn("healthz: journal unavailable", "error", err)
			resp.Status = "degraded"
			resp.Journal = journalUnavailable
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Journal = journalOK
	}

	s.writeJSON(w, http.StatusOK, resp)
}
