// Package server exposes the operator control plane: a JSON API over
// net/http plus a WebSocket feed of live signals and finished arbs.
// It is read-mostly; the only mutating endpoint is the drain switch.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/server/handler"
	"github.com/neutralmarkets/spreadbot/internal/server/middleware"
	"github.com/neutralmarkets/spreadbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	APIKey       string // empty disables authentication
	RateLimitRPS int    // per-client request budget per second; 0 disables
}

// Handlers aggregates the endpoint handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Control    *handler.ControlHandler
	Signals    *handler.SignalHandler
	Executions *handler.ExecutionHandler
	Positions  *handler.PositionHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers all routes and builds the middleware chain: CORS on
// the outside, then request logging, rate limiting, and auth. Health
// stays outside auth so load balancers can probe without a key.
func New(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", h.Status.Status)
	mux.HandleFunc("GET /api/metrics", h.Status.Metrics)
	mux.HandleFunc("POST /api/drain", h.Control.Drain)
	mux.HandleFunc("POST /api/resume", h.Control.Resume)
	mux.HandleFunc("GET /api/signals/recent", h.Signals.ListRecent)
	mux.HandleFunc("GET /api/executions", h.Executions.List)
	mux.HandleFunc("GET /api/executions/{id}", h.Executions.Get)
	mux.HandleFunc("GET /api/positions", h.Positions.List)
	mux.HandleFunc("GET /api/profit", h.Executions.Profit)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var api http.Handler = mux
	api = middleware.Auth(cfg.APIKey)(api)
	if limiter != nil && cfg.RateLimitRPS > 0 {
		api = middleware.RateLimit(limiter, cfg.RateLimitRPS)(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", h.Health.Check)
	root.Handle("/", api)

	var chain http.Handler = root
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      chain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler exposes the fully assembled chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
