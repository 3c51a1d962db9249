// Package server exposes the neond HTTP + WebSocket API: owner-facing
// position endpoints, the resolver agent's settlement-round endpoints, and
// the archive browser.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
	"github.com/NEONdAPP/neon-core-go/internal/server/handler"
	"github.com/NEONdAPP/neon-core-go/internal/server/middleware"
	"github.com/NEONdAPP/neon-core-go/internal/server/ws"
)

// rate limit applied per client IP across the whole API.
const (
	rateLimitRequests = 120
	rateLimitWindow   = time.Minute
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	ResolverToken string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Resolver  *handler.ResolverHandler
	Archive   *handler.ArchiveHandler
}

// Server is the headless HTTP + WebSocket API server for neond.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, auth, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Owner-facing position endpoints.
	mux.HandleFunc("POST /api/positions", handlers.Positions.CreatePosition)
	mux.HandleFunc("POST /api/positions/close", handlers.Positions.ClosePosition)
	mux.HandleFunc("POST /api/positions/skip", handlers.Positions.SkipExecution)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/archive", handlers.Positions.ListArchived)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/history", handlers.Positions.GetHistory)
	mux.HandleFunc("GET /api/allowance/check", handlers.Positions.CheckAllowance)
	mux.HandleFunc("GET /api/allowance/required", handlers.Positions.RequiredAllowance)
	mux.HandleFunc("GET /api/availability", handlers.Positions.CheckAvailability)
	mux.HandleFunc("GET /api/stats", handlers.Positions.GetStats)

	// Resolver agent endpoints.
	mux.HandleFunc("GET /api/resolver/status", handlers.Resolver.GetStatus)
	mux.HandleFunc("POST /api/resolver/rounds", handlers.Resolver.StartRound)
	mux.HandleFunc("POST /api/resolver/executions", handlers.Resolver.StartExecution)
	mux.HandleFunc("POST /api/resolver/closure", handlers.Resolver.Closure)
	mux.HandleFunc("POST /api/resolver/residual", handlers.Resolver.Residual)

	// Cold-storage archive browser.
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive/files", handlers.Archive.ListFiles)
		mux.HandleFunc("GET /api/archive/files/{path...}", handlers.Archive.GetFile)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.ResolverToken)(h)

	if limiter != nil {
		h = middleware.RateLimit(limiter, rateLimitRequests, rateLimitWindow)(h)
	}

	h = middleware.Logging(logger)(h)

	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
