package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/session"
)

// callRequest is the JSON body for POST /v1/sessions/{id}/calls.
type callRequest struct {
	Op     string         `json:"op"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type callResponse struct {
	Result any `json:"result"`
}

// callError reports a failed call. Kind is set for errors raised by the
// worker.
type callError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req callRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Op == "" {
		s.writeError(w, http.StatusBadRequest, "op is required")
		return
	}

	args := make([]codec.Value, len(req.Args))
	for i, a := range req.Args {
		if args[i], err = codec.FromJSON(a); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var kwargs map[string]codec.Value
	if len(req.Kwargs) > 0 {
		kwargs = make(map[string]codec.Value, len(req.Kwargs))
		for k, a := range req.Kwargs {
			if kwargs[k], err = codec.FromJSON(a); err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	result, err := m.CallKw(r.Context(), req.Op, args, kwargs)
	if err != nil {
		resp := callError{Error: err.Error()}
		var remote *contract.RemoteError
		if errors.As(err, &remote) {
			resp.Kind = remote.Kind
		}
		s.writeJSON(w, statusFor(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, callResponse{Result: codec.ToJSON(result)})
}

// statusFor maps proxy errors onto HTTP status codes.
func statusFor(err error) int {
	var remote *contract.RemoteError
	switch {
	case errors.Is(err, contract.ErrNotSupported), errors.Is(err, contract.ErrBadArguments),
		errors.Is(err, codec.ErrCodec):
		if errors.As(err, &remote) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case errors.As(err, &remote):
		if errors.Is(err, contract.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case errors.Is(err, launch.ErrUnknownDeployer):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrTimeout), errors.Is(err, launch.ErrAddressUnavailable):
		return http.StatusGatewayTimeout
	case errors.Is(err, channel.ErrTransport), errors.Is(err, launch.ErrDeployment),
		errors.Is(err, session.ErrHandshake):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
