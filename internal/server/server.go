// Package server exposes the HTTP + WebSocket API that the dashboard and
// operator tooling talk to.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/server/handler"
	"github.com/openarb/tribot/internal/server/middleware"
	"github.com/openarb/tribot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitPerMin int    // per client IP; 0 disables rate limiting
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Bot           *handler.BotHandler
	Opportunities *handler.OpportunityHandler
	Trades        *handler.TradeHandler
	Audit         *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API server for the bot.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain (CORS, logging, rate limiting, auth) applied. The limiter may be
// nil to disable API rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (open, exempt from auth).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Bot control.
	mux.HandleFunc("GET /api/bot/status", handlers.Bot.Status)
	mux.HandleFunc("POST /api/bot/start", handlers.Bot.Start)
	mux.HandleFunc("POST /api/bot/stop", handlers.Bot.Stop)
	mux.HandleFunc("POST /api/bot/resume", handlers.Bot.Resume)
	mux.HandleFunc("POST /api/bot/execute", handlers.Bot.Execute)

	// Opportunities: live snapshot plus persisted history.
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.List)
	mux.HandleFunc("GET /api/opportunities/history", handlers.Opportunities.History)
	mux.HandleFunc("GET /api/opportunities/{id}", handlers.Opportunities.Get)

	// Trade ledger.
	mux.HandleFunc("GET /api/trades", handlers.Trades.List)
	mux.HandleFunc("GET /api/trades/{id}", handlers.Trades.Get)
	mux.HandleFunc("GET /api/stats", handlers.Trades.Stats)

	// Control-action audit trail.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// WebSocket endpoint (open; browsers cannot set auth headers here).
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/ws")(h)
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     h,
		ReadTimeout: 15 * time.Second,
		// Long enough for a manual execution to ride the request.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
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
