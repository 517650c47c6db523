package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cruciblehq/crucible/internal/model"
	"github.com/cruciblehq/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createInvocationRequest is the JSON body for POST /v1/invocations.
type createInvocationRequest struct {
	Operation string          `json:"operation"`
	Options   []string        `json:"options"`
	Args      json.RawMessage `json:"args"`
	TimeoutS  *int            `json:"timeout_s"`
}

// listInvocationsResponse wraps the paginated list response.
type listInvocationsResponse struct {
	Invocations []*model.Invocation `json:"invocations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// decodeCreateRequest parses and validates the shared create-invocation body.
func (s *Server) decodeCreateRequest(w http.ResponseWriter, r *http.Request) (*model.Invocation, bool) {
	var req createInvocationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}

	if req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, "operation is required")
		return nil, false
	}
	if len(req.Args) > 0 && !json.Valid(req.Args) {
		s.writeError(w, http.StatusBadRequest, "args must be valid JSON")
		return nil, false
	}

	return &model.Invocation{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Operation: req.Operation,
		Options:   req.Options,
		Args:      req.Args,
		TimeoutS:  req.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}, true
}

func (s *Server) handleCreateInvocation(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.decodeCreateRequest(w, r)
	if !ok {
		return
	}

	finished, err := s.runner.Run(r.Context(), inv)
	if err != nil {
		s.logger.Error("run invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run invocation")
		return
	}

	s.writeJSON(w, http.StatusOK, finished)
}

func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	s.writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleKillInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := s.runner.Kill(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		s.writeError(w, http.StatusConflict, "invocation already finished")
		return
	}
	if err != nil {
		s.logger.Error("kill invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill invocation")
		return
	}

	s.writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	invocations, total, err := s.store.ListInvocations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}

	if invocations == nil {
		invocations = []*model.Invocation{}
	}

	s.writeJSON(w, http.StatusOK, listInvocationsResponse{
		Invocations: invocations,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
