package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/metrics"
	"github.com/alanyoungcy/arbeval/internal/server/handler"
)

type fakeEvaluator struct {
	err error
	got domain.ArbInputs
}

func (f *fakeEvaluator) Evaluate(_ context.Context, in domain.ArbInputs) (domain.Opportunity, error) {
	f.got = in
	if f.err != nil {
		return domain.Opportunity{}, f.err
	}
	if err := in.Validate(); err != nil {
		return domain.Opportunity{}, err
	}
	return domain.Opportunity{ID: "opp-1", Pair: in.Pair(), WouldTrade: true}, nil
}

type fakeStore struct {
	since time.Time
	limit int
}

func (s *fakeStore) Insert(context.Context, domain.Opportunity) error { return nil }

func (s *fakeStore) ListRecent(_ context.Context, limit int) ([]domain.Opportunity, error) {
	s.limit = limit
	return []domain.Opportunity{{ID: "a"}, {ID: "b"}}, nil
}

func (s *fakeStore) ListBefore(context.Context, time.Time) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s *fakeStore) SummarizeSince(_ context.Context, since time.Time) (domain.OpportunitySummary, error) {
	s.since = since
	return domain.OpportunitySummary{Since: since, Count: 4, WouldTrade: 1}, nil
}

type fakeFeed struct {
	state      domain.FeedState
	reconnects int
	err        error
}

func (f *fakeFeed) FeedStatus() domain.FeedStatus {
	return domain.FeedStatus{State: f.state, Pairs: []string{"ETH/USDC"}}
}

func (f *fakeFeed) ReconnectFeed(context.Context) error {
	f.reconnects++
	if f.err != nil {
		return f.err
	}
	f.state = domain.FeedConnected
	return nil
}

type fakeBooks struct {
	pair  string
	depth int
	err   error
}

func (f *fakeBooks) GetOrderBook(_ context.Context, pair string, depth int) (domain.OrderBook, error) {
	f.pair, f.depth = pair, depth
	if f.err != nil {
		return domain.OrderBook{}, f.err
	}
	return domain.OrderBook{
		Pair: pair,
		Bids: []domain.OrderBookLevel{{Price: 1999, Size: 2}},
		Asks: []domain.OrderBookLevel{{Price: 2001, Size: 3}},
	}, nil
}

type testServer struct {
	handler http.Handler
	eval    *fakeEvaluator
	store   *fakeStore
	feed    *fakeFeed
	books   *fakeBooks
}

func newTestServer(t *testing.T, apiKey string, withStore bool) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{eval: &fakeEvaluator{}, store: &fakeStore{}, feed: &fakeFeed{state: domain.FeedGivenUp}, books: &fakeBooks{}}
	var store domain.OpportunityStore
	if withStore {
		store = ts.store
	}
	m := metrics.New()
	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:      handler.NewHealthHandler("serve", ts.feed, nil, logger),
		Opportunity: handler.NewOpportunityHandler(ts.eval, store, logger),
		Feed:        handler.NewFeedHandler(ts.feed, logger),
		Market:      handler.NewMarketHandler(ts.books, logger),
		Metrics:     m.Handler(),
	}, nil, m, logger)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateEndpoint(t *testing.T) {
	ts := newTestServer(t, "", true)

	rec := ts.do(http.MethodPost, "/api/opportunity/evaluate",
		`{"base":"eth","quote":"usdc","edgeBpsAtSignal":20,"notionalUsdHint":10000,"fees":{"totalFeesBps":0}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var opp domain.Opportunity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opp))
	assert.Equal(t, "ETH/USDC", opp.Pair)
	require.NotNil(t, ts.eval.got.Fees.TotalFeesBps)
	assert.Zero(t, *ts.eval.got.Fees.TotalFeesBps)
	assert.Nil(t, ts.eval.got.Fees.FlashFeeBps)
}

func TestEvaluateErrorMapping(t *testing.T) {
	ts := newTestServer(t, "", true)

	rec := ts.do(http.MethodPost, "/api/opportunity/evaluate", `{"base":"ETH","quote":"USDC","edgeBpsAtSignal":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/opportunity/evaluate", `{"base":"ETH","quote":"USDC","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/opportunity/evaluate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.eval.err = fmt.Errorf("wrapped: %w", domain.ErrUpstreamCritical)
	rec = ts.do(http.MethodPost, "/api/opportunity/evaluate", `{"base":"ETH","quote":"USDC","edgeBpsAtSignal":1}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ts.eval.err = fmt.Errorf("market_data: get quotes ETH/USDC: %w", context.Canceled)
	rec = ts.do(http.MethodPost, "/api/opportunity/evaluate", `{"base":"ETH","quote":"USDC","edgeBpsAtSignal":1}`)
	assert.Equal(t, 499, rec.Code)

	ts.eval.err = errors.New("boom")
	rec = ts.do(http.MethodPost, "/api/opportunity/evaluate", `{"base":"ETH","quote":"USDC","edgeBpsAtSignal":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestOrderBookEndpoint(t *testing.T) {
	ts := newTestServer(t, "", true)

	rec := ts.do(http.MethodGet, "/api/market/orderbook?pair=eth/usdc&depth=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var book domain.OrderBook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
	assert.Equal(t, "ETH/USDC", book.Pair)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 5, ts.books.depth)

	rec = ts.do(http.MethodGet, "/api/market/orderbook?pair=ETH%2FUSDC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, ts.books.depth)

	for _, bad := range []string{"", "?pair=ETH", "?pair=/USDC", "?pair=ETH/USDC&depth=-1", "?pair=ETH/USDC&depth=abc", "?pair=ETH/USDC&depth=1000"} {
		rec = ts.do(http.MethodGet, "/api/market/orderbook"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	ts.books.err = fmt.Errorf("wrapped: %w", domain.ErrUpstreamCritical)
	rec = ts.do(http.MethodGet, "/api/market/orderbook?pair=ETH/USDC", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = ts.do(http.MethodPost, "/api/market/orderbook?pair=ETH/USDC", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJournalEndpoints(t *testing.T) {
	ts := newTestServer(t, "", true)

	rec := ts.do(http.MethodGet, "/api/opportunity/recent?limit=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, ts.store.limit)

	rec = ts.do(http.MethodGet, "/api/opportunity/summary?window=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), ts.store.since, 5*time.Second)

	rec = ts.do(http.MethodGet, "/api/opportunity/summary?window=-1h", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := newTestServer(t, "", false)
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do(http.MethodGet, "/api/opportunity/recent", "").Code)
}

func TestFeedEndpoints(t *testing.T) {
	ts := newTestServer(t, "", true)

	rec := ts.do(http.MethodGet, "/api/feed/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"given_up"`)

	rec = ts.do(http.MethodPost, "/api/feed/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"connected"`)
	assert.Equal(t, 1, ts.feed.reconnects)

	ts.feed.err = errors.New("dial failed")
	rec = ts.do(http.MethodPost, "/api/feed/reconnect", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAuthAndPublicRoutes(t *testing.T) {
	ts := newTestServer(t, "secret", true)

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/feed/status", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/feed/status", "", "X-API-Key", "secret").Code)

	rec := ts.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	rec = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arbeval_http_request_duration_seconds")
}

type fakeTrading struct{ health domain.TradingHealth }

func (f fakeTrading) Status() domain.TradingHealth { return f.health }

func TestHealthReportsTradingPause(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	check := func(h *handler.HealthHandler) map[string]any {
		rec := httptest.NewRecorder()
		h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	body := check(handler.NewHealthHandler("serve", nil, nil, logger).
		WithTrading(fakeTrading{domain.TradingHealth{TicksInWindow: 4}}))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["trading"].(map[string]any)["paused"])

	body = check(handler.NewHealthHandler("serve", nil, nil, logger).
		WithTrading(fakeTrading{domain.TradingHealth{Paused: true, Reasons: []string{"gas_cap"}}}))
	assert.Equal(t, "degraded", body["status"])
	trading := body["trading"].(map[string]any)
	assert.Equal(t, []any{"gas_cap"}, trading["reasons"])

	body = check(handler.NewHealthHandler("serve", nil, nil, logger))
	assert.NotContains(t, body, "trading")
}
