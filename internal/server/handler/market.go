package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// maxBookDepth caps ?depth= on order book requests.
const maxBookDepth = 100

// OrderBookSource fetches uncached depth. *service.MarketDataService
// satisfies it.
type OrderBookSource interface {
	GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error)
}

// MarketHandler serves raw market data.
type MarketHandler struct {
	books  OrderBookSource
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(books OrderBookSource, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{books: books, logger: logger.With(slog.String("handler", "market"))}
}

// OrderBook returns a fresh order book for ?pair=BASE/QUOTE. ?depth= is
// optional; zero or absent uses the venue default.
// GET /api/market/orderbook
func (h *MarketHandler) OrderBook(w http.ResponseWriter, r *http.Request) {
	pair, depth, err := parseBookQuery(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	book, err := h.books.GetOrderBook(r.Context(), pair, depth)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func parseBookQuery(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	base, quote, ok := strings.Cut(q.Get("pair"), "/")
	if !ok || strings.TrimSpace(base) == "" || strings.TrimSpace(quote) == "" {
		return "", 0, fmt.Errorf("%w: pair must be BASE/QUOTE", domain.ErrValidation)
	}
	depth := 0
	if v := q.Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxBookDepth {
			return "", 0, fmt.Errorf("%w: depth must be 0-%d", domain.ErrValidation, maxBookDepth)
		}
		depth = n
	}
	return domain.Pair(base, quote), depth, nil
}
