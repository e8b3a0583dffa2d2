package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/orchestrator"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/turn"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	orch        *orchestrator.Orchestrator
	store       *policy.Store
	auditStore  *audit.Store
	recorder    *turn.Recorder
	rateLimiter *RateLimiter
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the per-key rate limiter (optional).
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithCORSOrigins sets allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
func NewServer(
	orch *orchestrator.Orchestrator,
	store *policy.Store,
	auditStore *audit.Store,
	recorder *turn.Recorder,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		orch:        orch,
		store:       store,
		auditStore:  auditStore,
		recorder:    recorder,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. POST /v1/turn runs without the
// default request timeout: a turn's duration is bounded by the worker and
// agent timeouts, not by a blanket middleware deadline.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(wardenotel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.store))
		r.Use(RateLimitMiddleware(s.rateLimiter))

		r.Post("/v1/turn", s.handleTurn)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/v1/status", s.handleStatus)
			r.Get("/v1/audit", s.handleAuditList)
			r.Get("/v1/audit/{correlation_id}", s.handleAuditGet)
			r.Get("/v1/audit/{correlation_id}/verify", s.handleAuditVerify)
		})
	})

	return r
}
