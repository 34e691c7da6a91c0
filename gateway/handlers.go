package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/backend"
	"github.com/coderelay/agentmux/session"
	"github.com/coderelay/agentmux/transport"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var cmd agentwire.CreateSession
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.manager.CreateSession(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.manager.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Kill(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// httpStatus maps manager errors to REST status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode maps a dispatch error to the stable wire code carried in
// error envelopes.
func errorCode(err error) string {
	var te *backend.TranslationError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return agentwire.CodeSessionNotFound
	case transport.IsTimeout(err):
		return agentwire.CodeTransportTimeout
	case transport.IsProcessExited(err):
		return agentwire.CodeProcessExited
	case errors.As(err, &te):
		return agentwire.CodeTranslationError
	default:
		return agentwire.CodeInternalError
	}
}
