// Package server exposes the governance pipeline over HTTP: a chi router
// with the tool execution endpoint, audit queries, and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/clientpool"
	"github.com/wardenhq/warden/internal/erp"
	wardenotel "github.com/wardenhq/warden/internal/otel"
	"github.com/wardenhq/warden/internal/pipeline"
	"github.com/wardenhq/warden/internal/policy"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router     *chi.Mux
	pipeline   *pipeline.Pipeline
	pool       *clientpool.Pool
	auditStore *audit.Store
	limiter    *RateLimiter
	baseRules  []policy.Rule
	fallback   func(context.Context) (*erp.Settings, error)
	startTime  time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithPool sets the upstream client pool. When set, request credentials hold
// a pooled client for the duration of the batch so the hosting chat layer
// reuses the warm session.
func WithPool(p *clientpool.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithAuditStore enables the audit query endpoints.
func WithAuditStore(store *audit.Store) Option {
	return func(s *Server) { s.auditStore = store }
}

// WithRateLimiter sets per-user rate limiting on the execute endpoint.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithBaseRules sets operator-provisioned rules evaluated before any rules
// carried in the request payload.
func WithBaseRules(rules []policy.Rule) Option {
	return func(s *Server) { s.baseRules = rules }
}

// WithFallbackSettings sets the resolver for operator-fallback upstream
// credentials, consulted only when a request carries none. Returning
// (nil, nil) means no fallback is provisioned; a resolver error degrades
// the request to credential-less execution rather than failing it.
func WithFallbackSettings(resolve func(context.Context) (*erp.Settings, error)) Option {
	return func(s *Server) { s.fallback = resolve }
}

// NewServer builds a Server around the pipeline.
func NewServer(p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		pipeline:  p,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(wardenotel.Middleware())
	r.Use(middleware.Timeout(defaultTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Post("/v1/tools/execute", s.handleExecute)

	if s.auditStore != nil {
		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)
	}

	return r
}
