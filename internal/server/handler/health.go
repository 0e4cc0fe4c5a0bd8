package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// TradingMonitor reports whether trade decisions are paused.
// *service.Watchdog satisfies it.
type TradingMonitor interface {
	Status() domain.TradingHealth
}

// HealthHandler serves the liveness and dependency report.
type HealthHandler struct {
	mode    string
	feed    FeedController
	trading TradingMonitor
	checks  map[string]Check
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. feed may be nil.
func NewHealthHandler(mode string, feed FeedController, checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, feed: feed, checks: checks, logger: logger}
}

// WithTrading adds the watchdog verdict to the report.
func (h *HealthHandler) WithTrading(t TradingMonitor) *HealthHandler {
	h.trading = t
	return h
}

// HealthCheck answers 200 with "ok", or "degraded" when a dependency check
// fails, the feed has given up or trading is paused. The process itself is alive either way.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":       status,
		"mode":         h.mode,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if h.feed != nil {
		fs := h.feed.FeedStatus()
		if fs.State == domain.FeedGivenUp {
			body["status"] = "degraded"
		}
		body["feed"] = fs
	}
	if h.trading != nil {
		th := h.trading.Status()
		if th.Paused {
			body["status"] = "degraded"
		}
		body["trading"] = th
	}
	writeJSON(w, http.StatusOK, body)
}
