package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

type fakeSource struct {
	mu        sync.Mutex
	quotes    []domain.Quote
	quotesErr error
	ref       domain.ReferenceData
	refErr    error
	book      domain.OrderBook
	bookErr   error
	calls     map[string]int
}

func (f *fakeSource) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *fakeSource) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSource) GetQuotes(_ context.Context, _ string) ([]domain.Quote, error) {
	f.count("quotes")
	if f.quotesErr != nil {
		return nil, f.quotesErr
	}
	out := make([]domain.Quote, len(f.quotes))
	copy(out, f.quotes)
	return out, nil
}

func (f *fakeSource) GetReference(_ context.Context, _ string) (domain.ReferenceData, error) {
	f.count("reference")
	return f.ref, f.refErr
}

func (f *fakeSource) GetOrderBook(_ context.Context, pair string, _ int) (domain.OrderBook, error) {
	f.count("orderbook")
	if f.bookErr != nil {
		return domain.OrderBook{}, f.bookErr
	}
	book := f.book
	book.Pair = pair
	return book, nil
}

type fakeVolume struct {
	vol   float64
	found bool
	err   error
}

func (f *fakeVolume) PoolVolume24h(context.Context, string, string) (float64, bool, error) {
	return f.vol, f.found, f.err
}

type fakeMarket struct {
	quotes    []domain.Quote
	quotesErr error
	ref       domain.ReferenceData
	latency   *float64
}

func (f *fakeMarket) GetQuotes(context.Context, string) ([]domain.Quote, error) {
	return f.quotes, f.quotesErr
}

func (f *fakeMarket) GetReferenceData(context.Context, string) (domain.ReferenceData, error) {
	return f.ref, nil
}

func (f *fakeMarket) LatencyMs() (float64, bool) {
	if f.latency == nil {
		return 0, false
	}
	return *f.latency, true
}

type fixedGas float64

func (g fixedGas) Estimate(context.Context) domain.GasEstimate {
	return domain.GasEstimate{USD: float64(g), RawUSD: float64(g)}
}

type countingGas struct {
	mu    sync.Mutex
	usd   float64
	calls int
}

func (g *countingGas) Estimate(context.Context) domain.GasEstimate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return domain.GasEstimate{USD: g.usd, RawUSD: g.usd}
}

type memStore struct {
	mu   sync.Mutex
	opps []domain.Opportunity
}

func (m *memStore) Insert(_ context.Context, opp domain.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opps = append(m.opps, opp)
	return nil
}

func (m *memStore) ListRecent(context.Context, int) ([]domain.Opportunity, error) {
	return m.opps, nil
}

func (m *memStore) ListBefore(context.Context, time.Time) ([]domain.Opportunity, error) {
	return nil, nil
}

func (m *memStore) SummarizeSince(_ context.Context, since time.Time) (domain.OpportunitySummary, error) {
	return domain.OpportunitySummary{Since: since}, nil
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  map[string]int
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string]int{}
	}
	b.published[channel]++
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamed == nil {
		b.streamed = map[string]int{}
	}
	b.streamed[stream]++
	return nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}
