// Package server exposes the engine's read-only status API and the operator
// endpoint for resolving escalated positions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/server/handler"
	"github.com/alanyoungcy/pairarb/internal/server/middleware"
	"github.com/alanyoungcy/pairarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Positions *handler.PositionHandler
	Status    *handler.StatusHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in auth, rate limiting, logging
// and CORS middleware. hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(cfg, h, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)

	mux.HandleFunc("GET /api/positions", h.Positions.ListActive)
	mux.HandleFunc("GET /api/positions/closed", h.Positions.ListClosed)
	mux.HandleFunc("GET /api/positions/{id}", h.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/audit", h.Positions.GetAudit)
	mux.HandleFunc("POST /api/positions/{id}/resolve", h.Positions.Resolve)

	mux.HandleFunc("GET /api/stats", h.Status.GetStats)
	mux.HandleFunc("GET /api/risk", h.Status.GetRisk)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health")(out)
	if limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(out)
	}
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Run serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
