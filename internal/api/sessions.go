package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/proxy"
)

// sessionView is the JSON form of an open proxy.
type sessionView struct {
	ID        string `json:"id"`
	Deployer  string `json:"deployer"`
	Host      string `json:"host,omitempty"`
	Engine    string `json:"engine"`
	Address   string `json:"address,omitempty"`
	State     string `json:"state"`
	Launches  int    `json:"launches"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

func viewOf(m *proxy.Managed) sessionView {
	sess := m.Session()
	v := sessionView{
		ID:       sess.ID(),
		Deployer: m.Deployer,
		Host:     sess.Host(),
		Engine:   sess.Engine(),
		Address:  sess.Address(),
		State:    sess.State().String(),
		Launches: sess.Launches(),
		Pending:  sess.Pending(),
	}
	if err := sess.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req proxy.OpenRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		s.writeError(w, http.StatusBadRequest, "port out of range")
		return
	}

	m, err := s.manager.Open(r.Context(), req)
	if err != nil {
		s.logger.Error("open session", "error", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(m))
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.manager.List()
	views := make([]sessionView, len(list))
	for i, m := range list {
		views[i] = viewOf(m)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(m))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager.Close(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, proxy.ErrUnknownSession) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("close session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(m))
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := m.Session().Reset(r.Context()); err != nil {
		s.logger.Error("reset session", "session", m.Session().ID(), "error", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(m))
}

func (s *Server) handleListDeployers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Deployers())
}

// operationView describes one entry of the operation table.
type operationView struct {
	Name      string   `json:"name"`
	Params    []string `json:"params"`
	Extension bool     `json:"extension"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	names := contract.Names()
	ops := make([]operationView, 0, len(names))
	for _, name := range names {
		op, _ := contract.Lookup(name)
		params := op.Params
		if params == nil {
			params = []string{}
		}
		ops = append(ops, operationView{Name: op.Name, Params: params, Extension: op.Extension})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"version": contract.Version, "operations": ops})
}
