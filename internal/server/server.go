// Package server is the engine's HTTP boundary.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/server/handler"
	"github.com/alanyoungcy/arbeval/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// RateLimitPerMinute caps evaluate calls per client IP when a limiter
	// is supplied; zero disables it.
	RateLimitPerMinute int
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health      *handler.HealthHandler
	Opportunity *handler.OpportunityHandler
	Feed        *handler.FeedHandler
	Market      *handler.MarketHandler // nil leaves /api/market unrouted
	Metrics     http.Handler
}

// Server is the boundary HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, logging and
// auth. limiter and obs may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, obs middleware.RequestObserver, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	var evaluate http.Handler = http.HandlerFunc(h.Opportunity.Evaluate)
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		evaluate = middleware.RateLimit(limiter, "evaluate", cfg.RateLimitPerMinute, time.Minute, logger)(evaluate)
	}
	mux.Handle("POST /api/opportunity/evaluate", evaluate)
	mux.HandleFunc("GET /api/opportunity/recent", h.Opportunity.ListRecent)
	mux.HandleFunc("GET /api/opportunity/summary", h.Opportunity.Summary)

	mux.HandleFunc("GET /api/feed/status", h.Feed.Status)
	mux.HandleFunc("POST /api/feed/reconnect", h.Feed.Reconnect)

	if h.Market != nil {
		mux.HandleFunc("GET /api/market/orderbook", h.Market.OrderBook)
	}

	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(root)
	root = middleware.Logging(logger, obs)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
