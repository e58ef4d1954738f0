package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	"github.com/fleetmeter/fleetmeter-engine/internal/quota"
)

// Identity headers set by the fronting auth layer. The engine never
// authenticates callers itself; it trusts whatever sits in front of it.
const (
	headerUser  = "X-Remote-User"
	headerAdmin = "X-Remote-Admin"
)

// Server exposes the quota and session REST surface.
type Server struct {
	engine       *quota.Engine
	logger       *log.Logger
	authDisabled bool
	txLimit      int
}

// Option mutates server construction.
type Option func(*Server)

// WithAuthDisabled skips the admin-header check on admin routes. Meant for
// local development behind no auth layer.
func WithAuthDisabled(disabled bool) Option {
	return func(s *Server) { s.authDisabled = disabled }
}

// WithTxHistoryLimit sets the default number of recent transactions returned
// by the per-user quota endpoint.
func WithTxHistoryLimit(limit int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.txLimit = limit
		}
	}
}

// NewServer constructs the REST layer over a quota engine.
func NewServer(engine *quota.Engine, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		logger:  logger,
		txLimit: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Route("/quota", func(q chi.Router) {
		q.Get("/me", s.handleMyQuota)
		q.Get("/rates", s.handleRates)

		q.Group(func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Get("/", s.handleListQuota)
			admin.Post("/batch", s.handleBatchSet)
			admin.Post("/refresh", s.handleRefresh)
			admin.Get("/{username}", s.handleUserQuota)
			admin.Post("/{username}", s.handleAdminOp)
		})
	})

	r.Route("/sessions", func(sr chi.Router) {
		sr.Post("/start", s.handleSessionStart)
		sr.Post("/{id}/close", s.handleSessionClose)
		sr.Get("/active", s.handleActiveSessions)
	})

	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// requireAdmin gates admin routes on the auth layer's admin header.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authDisabled && !isAdmin(r) {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAdmin(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(headerAdmin))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func remoteUser(r *http.Request) string {
	return ledger.NormalizeUsername(r.Header.Get(headerUser))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondEngineError maps domain errors onto HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrUnknownSession):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, quota.ErrInvalidRule):
		s.respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, ledger.ErrConflict):
		s.logf("[WARN] HTTPServer: storage conflict surfaced after retries: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, err)
	default:
		s.logf("[ERROR] HTTPServer: %v", err)
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}
