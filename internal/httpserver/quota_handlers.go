package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	"github.com/fleetmeter/fleetmeter-engine/internal/quota"
)

const maxTxHistoryLimit = 200

func (s *Server) handleListQuota(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Balances(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if rows == nil {
		rows = []ledger.Row{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"users": rows})
}

func (s *Server) handleUserQuota(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	limit := s.txLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxTxHistoryLimit {
		limit = maxTxHistoryLimit
	}

	row, txs, err := s.engine.UserDetail(r.Context(), username, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, userDetailResponse{Row: row, RecentTransactions: txs})
}

type userDetailResponse struct {
	ledger.Row
	RecentTransactions []ledger.Transaction `json:"recent_transactions"`
}

type adminOpRequest struct {
	Action      string `json:"action"`
	Amount      *int   `json:"amount,omitempty"`
	Unlimited   *bool  `json:"unlimited,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleAdminOp(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req adminOpRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	action, err := quota.ParseAdminAction(req.Action)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	op := quota.AdminOp{
		Action:      action,
		Description: req.Description,
		Actor:       remoteUser(r),
	}
	switch action {
	case quota.AdminSetUnlimited:
		// defaults to granting unlimited when the flag is omitted
		op.Unlimited = req.Unlimited == nil || *req.Unlimited
	default:
		if req.Amount == nil {
			s.respondError(w, http.StatusBadRequest, errors.New("amount required for action "+req.Action))
			return
		}
		op.Amount = *req.Amount
	}

	row, err := s.engine.AdminApply(r.Context(), username, op)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, row)
}

type batchRequest struct {
	Users []quota.BatchItem `json:"users"`
}

func (s *Server) handleBatchSet(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Users) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("users list is empty"))
		return
	}
	result := s.engine.BatchSet(r.Context(), req.Users, remoteUser(r))
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var rule quota.RefreshRule
	if err := s.decodeJSON(r, &rule); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := s.engine.ApplyRule(r.Context(), rule)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMyQuota(w http.ResponseWriter, r *http.Request) {
	username := remoteUser(r)
	if username == "" {
		s.respondError(w, http.StatusUnauthorized, errors.New("no authenticated user"))
		return
	}
	row, err := s.engine.Balance(r.Context(), username)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"username":  row.Username,
		"balance":   row.Balance,
		"unlimited": row.Unlimited,
		"rates":     s.engine.Rates().Map(),
		"enabled":   s.engine.Enabled(),
	})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"enabled":          s.engine.Enabled(),
		"rates":            s.engine.Rates().Map(),
		"minimum_to_start": s.engine.MinimumToStart(),
	})
}
