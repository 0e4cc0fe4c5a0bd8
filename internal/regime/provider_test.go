package regime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, user)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func ptr(v float64) *float64 { return &v }

func newTestProvider(c Completer) *Provider {
	p := NewProvider(c, Config{RetryStep: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return t0 }
	return p
}

// snapshot returns a fresh, deep, calm two-venue snapshot with low latency.
func snapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Quotes: []domain.Quote{
			{Pair: "ETH/USDC", Venue: domain.VenuePRJX, Price: 2000, DepthUSD: 500_000},
			{Pair: "ETH/USDC", Venue: domain.VenueHyperSwap, Price: 2001, DepthUSD: 500_000},
		},
		Volatility:  ptr(1.5),
		WSLatencyMs: ptr(20),
		Timestamp:   t0,
	}
}

func TestClassify(t *testing.T) {
	snap := snapshot()
	assert.Equal(t, domain.RegimeCalm, Classify(snap))

	vol := snapshot()
	vol.Volatility = ptr(6)
	vol.Quotes[0].DepthUSD = 10
	vol.Quotes[1].DepthUSD = 10
	assert.Equal(t, domain.RegimeVolatile, Classify(vol))

	thin := snapshot()
	thin.Volatility = ptr(5)
	thin.Quotes[0].DepthUSD = 2500
	thin.Quotes[1].DepthUSD = 2500
	assert.Equal(t, domain.RegimeIlliquid, Classify(thin))

	noVol := snapshot()
	noVol.Volatility = nil
	noVol.Quotes[1].Price = 2030
	assert.Equal(t, domain.RegimeEvent, Classify(noVol))
}

func TestFallbackWithoutClient(t *testing.T) {
	rc := newTestProvider(nil).Summarize(context.Background(), snapshot())

	assert.Equal(t, domain.RegimeCalm, rc.Regime)
	assert.Equal(t, domain.RegimeSourceFallback, rc.Source)
	assert.Equal(t, 0.3, rc.Confidence)
	assert.Equal(t, 10.0, rc.SensitivityBps)
	assert.Equal(t, []string{domain.FlagModelUnavailable}, rc.RiskFlags)
	assert.Equal(t, t0, rc.Timestamp)

	thin := snapshot()
	thin.Quotes[0].DepthUSD = 100
	thin.Quotes[1].DepthUSD = 100
	assert.Equal(t, 50.0, newTestProvider(nil).Summarize(context.Background(), thin).SensitivityBps)
}

func TestAugmentationFlags(t *testing.T) {
	p := newTestProvider(nil)

	stale := snapshot()
	stale.Timestamp = t0.Add(-3001 * time.Millisecond)
	rc := p.Summarize(context.Background(), stale)
	assert.True(t, rc.HasFlag(domain.FlagStaleData))
	assert.False(t, rc.HasFlag(domain.FlagHighLatency))

	edge := snapshot()
	edge.Timestamp = t0.Add(-3 * time.Second)
	edge.WSLatencyMs = ptr(100)
	rc = p.Summarize(context.Background(), edge)
	assert.False(t, rc.HasFlag(domain.FlagStaleData))
	assert.False(t, rc.HasFlag(domain.FlagHighLatency))

	missing := snapshot()
	missing.WSLatencyMs = nil
	assert.True(t, p.Summarize(context.Background(), missing).HasFlag(domain.FlagHighLatency))

	slow := snapshot()
	slow.WSLatencyMs = ptr(250)
	assert.True(t, p.Summarize(context.Background(), slow).HasFlag(domain.FlagHighLatency))
}

func TestInferencePrimaryPath(t *testing.T) {
	fc := &fakeCompleter{replies: []string{
		"```json\n" + `{"regime":"Event","riskFlags":["news","news",""],"narrative":"  CPI print  ","sensitivityBps":250,"confidence":0.8}` + "\n```",
	}}
	rc := newTestProvider(fc).Summarize(context.Background(), snapshot())

	assert.Equal(t, domain.RegimeEvent, rc.Regime)
	assert.Equal(t, domain.RegimeSourceInference, rc.Source)
	assert.Equal(t, []string{"news"}, rc.RiskFlags)
	assert.Equal(t, "CPI print", rc.Narrative)
	assert.Equal(t, 100.0, rc.SensitivityBps)
	assert.Equal(t, 0.8, rc.Confidence)
	assert.False(t, rc.HasFlag(domain.FlagModelUnavailable))
	assert.Equal(t, 1, fc.calls)

	require.Len(t, fc.prompts, 1)
	assert.Contains(t, fc.prompts[0], `"wsLatencyMs": 20`)
	assert.Contains(t, fc.prompts[0], `"refPriceUsd": null`)
}

func TestInvalidRegimeReplacedByClassification(t *testing.T) {
	fc := &fakeCompleter{replies: []string{`{"regime":"sideways","riskFlags":"oops","confidence":-2}`}}
	snap := snapshot()
	snap.Volatility = ptr(9)
	rc := newTestProvider(fc).Summarize(context.Background(), snap)

	assert.Equal(t, domain.RegimeVolatile, rc.Regime)
	assert.Equal(t, domain.RegimeSourceInference, rc.Source)
	assert.Empty(t, rc.RiskFlags)
	assert.NotNil(t, rc.RiskFlags)
	assert.Equal(t, 0.0, rc.Confidence)
	assert.Equal(t, 50.0, rc.SensitivityBps)
}

func TestMalformedRepliesAreRetried(t *testing.T) {
	fc := &fakeCompleter{replies: []string{
		"not json",
		`{"narrative":"no regime"}`,
		`{"regime":"calm","confidence":0.9}`,
	}}
	rc := newTestProvider(fc).Summarize(context.Background(), snapshot())
	assert.Equal(t, domain.RegimeSourceInference, rc.Source)
	assert.Equal(t, 0.9, rc.Confidence)
	assert.Equal(t, 3, fc.calls)
}

func TestFallbackAfterThreeFailures(t *testing.T) {
	boom := errors.New("upstream 503")
	fc := &fakeCompleter{errs: []error{boom, boom, boom, boom}, replies: []string{`{"regime":"calm"}`}}
	rc := newTestProvider(fc).Summarize(context.Background(), snapshot())

	assert.Equal(t, 3, fc.calls)
	assert.Equal(t, domain.RegimeSourceFallback, rc.Source)
	assert.True(t, rc.HasFlag(domain.FlagModelUnavailable))
}

func TestNarrativeTruncated(t *testing.T) {
	long := strings.Repeat("é", 800)
	fc := &fakeCompleter{replies: []string{`{"regime":"calm","narrative":"` + long + `"}`}}
	rc := newTestProvider(fc).Summarize(context.Background(), snapshot())
	assert.Equal(t, 500, len([]rune(rc.Narrative)))
}
