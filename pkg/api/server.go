// Package api serves the HTTP surface in front of the sandbox manager.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/metrics"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// Server exposes archive export, publishing and status for managed sandboxes.
type Server struct {
	httpServer *http.Server
	addr       string
	manager    *sandbox.Manager
	metrics    *metrics.Metrics
	now        func() time.Time

	healthTimeout time.Duration
}

// Config configures the API server.
type Config struct {
	Addr    string // Listen address (e.g., ":8080")
	Manager *sandbox.Manager
	Metrics *metrics.Metrics // Optional; /metrics is only served when set
	// HealthTimeout bounds the liveness command run by /sandbox-status.
	HealthTimeout time.Duration
}

// New creates a new API server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 10 * time.Second
	}

	s := &Server{
		addr:          cfg.Addr,
		manager:       cfg.Manager,
		metrics:       cfg.Metrics,
		now:           time.Now,
		healthTimeout: cfg.HealthTimeout,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Publishing blocks until the remote build is reachable.
		WriteTimeout: 5 * time.Minute,
	}

	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", "/health", s.handleHealth)
	s.route(mux, "POST /create-zip", "/create-zip", s.handleCreateZip)
	s.route(mux, "POST /deploy-vercel", "/deploy-vercel", s.handleDeploy)
	s.route(mux, "GET /sandbox-status", "/sandbox-status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, path string, h http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.Instrument(path, h))
}

// Start starts the API server.
func (s *Server) Start() error {
	slog.Info("starting api server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}
