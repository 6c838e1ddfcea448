// Package api exposes the orchestrator over HTTP: starting transactions,
// reading their status, administrative overrides, live watch, audit trail,
// health and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/internal/ws"
	"github.com/exchange/saga/pkg/audit"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	commonresp "github.com/exchange/saga/pkg/response"
	"github.com/exchange/saga/pkg/tracing"
)

const maxBodyBytes = 1 << 20

type Engine interface {
	Start(ctx context.Context, tx *saga.Transaction) error
	Get(ctx context.Context, id string) (*saga.Transaction, error)
	Complete(ctx context.Context, id, requestID string) (*saga.Transaction, error)
	Compensate(ctx context.Context, id, requestID string) (*saga.Transaction, error)
}

// Resolver maps a step's service_url to a base URL.
type Resolver interface {
	Resolve(serviceURL string) (string, error)
}

// Defaults fill omitted fields of a start request.
type Defaults struct {
	TimeoutSeconds     int
	StepTimeoutSeconds int
	RetryAttempts      int
}

type Config struct {
	Engine   Engine
	Resolver Resolver
	Defaults Defaults
	// Audit and Watcher are optional.
	Audit   audit.Logger
	Watcher *ws.Watcher
	Health  *health.Health
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

type Server struct {
	engine   Engine
	resolver Resolver
	defaults Defaults
	audit    audit.Logger
	watcher  *ws.Watcher
	health   *health.Health
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func New(cfg Config) *Server {
	if cfg.Defaults.TimeoutSeconds <= 0 {
		cfg.Defaults.TimeoutSeconds = 300
	}
	if cfg.Defaults.StepTimeoutSeconds <= 0 {
		cfg.Defaults.StepTimeoutSeconds = 30
	}
	if cfg.Defaults.RetryAttempts < 0 {
		cfg.Defaults.RetryAttempts = 0
	}
	if cfg.Health == nil {
		cfg.Health = health.New("", "")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Server{
		engine:   cfg.Engine,
		resolver: cfg.Resolver,
		defaults: cfg.Defaults,
		audit:    cfg.Audit,
		watcher:  cfg.Watcher,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
}

// Handler returns the routed handler wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// saga routes get a server span named after the route pattern
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, tracing.HTTPMiddleware(h))
	}
	route("POST /saga/start", s.handleStart)
	route("GET /saga/{id}/status", s.handleStatus)
	route("POST /saga/{id}/complete", s.handleComplete)
	route("POST /saga/{id}/compensate", s.handleCompensate)
	route("GET /saga/{id}/watch", s.handleWatch)
	route("GET /saga/{id}/audit", s.handleAudit)

	mux.HandleFunc("GET /health/", s.health.HealthHandler())
	mux.HandleFunc("GET /health/live", s.health.LiveHandler())
	mux.HandleFunc("GET /health/ready", s.health.ReadyHandler())
	mux.Handle("GET /metrics", s.metrics.Handler())

	handler := limitBodyMiddleware(maxBodyBytes, mux)
	handler = commonresp.RequestIDMiddleware(handler)
	handler = commonresp.RecoveryMiddleware(s.log)(handler)
	return handler
}

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
