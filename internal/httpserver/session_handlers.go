package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetmeter/fleetmeter-engine/internal/quota"
)

type sessionStartRequest struct {
	Username         string `json:"username"`
	ResourceType     string `json:"resource_type"`
	RequestedMinutes int    `json:"requested_minutes"`
}

// handleSessionStart is the orchestrator-facing admission call. A denial is a
// 403 carrying enough context for the launch page to explain itself.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" {
		req.Username = remoteUser(r)
	}
	if req.Username == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("username required"))
		return
	}

	sess, err := s.engine.TryStart(r.Context(), req.Username, req.ResourceType, req.RequestedMinutes)
	if err != nil {
		if denial, ok := quota.IsInsufficientQuota(err); ok {
			s.respondJSON(w, http.StatusForbidden, map[string]any{
				"error":            denial.Error(),
				"balance":          denial.Balance,
				"estimated_cost":   denial.EstimatedCost,
				"rate":             denial.Rate,
				"minimum_to_start": denial.MinimumToStart,
			})
			return
		}
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid session id"))
		return
	}
	settlement, err := s.engine.Close(r.Context(), id, time.Now().UTC())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, settlement)
}

// handleActiveSessions returns the fleet-wide active count, or a single
// user's active session when ?username= is given.
func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if username := r.URL.Query().Get("username"); username != "" {
		sess, ok, err := s.engine.ActiveSessionFor(r.Context(), username)
		if err != nil {
			s.respondEngineError(w, err)
			return
		}
		if !ok {
			s.respondError(w, http.StatusNotFound, errors.New("no active session for "+username))
			return
		}
		s.respondJSON(w, http.StatusOK, sess)
		return
	}

	count, err := s.engine.ActiveSessionCount(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"active_sessions": count})
}
