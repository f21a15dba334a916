package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"costops/internal/api/health"
	"costops/internal/metrics"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// ServerConfig contains configuration for HTTP server
type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	ServiceName    string
	Version        string
}

// Server wraps HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewRouter registers every route and wraps them in the middleware chain
func NewRouter(cfg ServerConfig, h *Handlers, healthHandler *health.Handler, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/usage", h.IngestUsage)
	mux.HandleFunc("GET /v1/costs", h.GetCosts)
	mux.HandleFunc("GET /v1/costs/daily", h.GetDailyCosts)
	mux.HandleFunc("POST /v1/budgets", h.CreateBudget)
	mux.HandleFunc("GET /v1/budgets/{id}", h.GetBudget)
	mux.HandleFunc("GET /v1/budgets/{id}/signal", h.GetBudgetSignal)
	mux.HandleFunc("POST /v1/prices/import", h.ImportPrices)
	mux.HandleFunc("GET /v1/prices", h.ListPrices)
	mux.HandleFunc("GET /v1/dlq", h.ListDLQ)
	mux.HandleFunc("POST /v1/dlq/{id}/replay", h.ReplayDLQ)

	// Kubernetes probes
	mux.HandleFunc("GET /healthz", healthHandler.HandleLiveness)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReadiness)

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": cfg.ServiceName,
			"version": cfg.Version,
			"status":  "running",
		})
	})

	return Correlation(Logging(log)(Recover(log)(mux)))
}

// NewServer creates and configures HTTP server with all routes
func NewServer(cfg ServerConfig, h *Handlers, healthHandler *health.Handler, log *logger.Logger) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(cfg, h, healthHandler, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{httpServer: httpServer, log: log.WithComponent("http_server")}
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.NewDomainError(errors.KindDependencyMissing, "http_server", "listen on "+s.httpServer.Addr, err)
	}
	s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones within ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}

	s.log.Info("HTTP server stopped")
	return nil
}
