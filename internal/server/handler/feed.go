package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// FeedController exposes the quote stream. *service.MarketDataService
// satisfies it.
type FeedController interface {
	FeedStatus() domain.FeedStatus
	ReconnectFeed(ctx context.Context) error
}

// FeedHandler serves stream status and manual reconnects.
type FeedHandler struct {
	feed   FeedController
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(feed FeedController, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feed: feed, logger: logger.With(slog.String("handler", "feed"))}
}

// Status reports the stream state.
// GET /api/feed/status
func (h *FeedHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.feed.FeedStatus())
}

// Reconnect resets the attempt counter and dials again. It is the way out
// of the given-up state.
// POST /api/feed/reconnect
func (h *FeedHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.ReconnectFeed(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "manual reconnect failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "reconnect failed",
			"status": h.feed.FeedStatus(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.feed.FeedStatus())
}
