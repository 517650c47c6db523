package api

import (
	"net/http"
)

func (s *Server) handleAsyncInvocation(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.decodeCreateRequest(w, r)
	if !ok {
		return
	}

	if err := s.runner.Submit(r.Context(), inv); err != nil {
		s.logger.Error("submit async invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit invocation")
		return
	}

	s.writeJSON(w, http.StatusAccepted, inv)
}
