package api

import (
	"net/http"
)

// flushPoolResponse is the JSON response for POST /v1/pool/flush.
type flushPoolResponse struct {
	Dropped int `json:"dropped"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Pool().Stats())
}

func (s *Server) handleFlushPool(w http.ResponseWriter, r *http.Request) {
	dropped := s.runner.Pool().Flush(r.Context())
	s.writeJSON(w, http.StatusOK, flushPoolResponse{Dropped: dropped})
}
