package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/metrics"
	"github.com/alanyoungcy/arbeval/internal/regime"
)

var evalAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEvalConfig() EvalConfig {
	return EvalConfig{
		Fees:                 domain.FeeConfig{TotalFeesBps: 30, FlashFeeBps: 9},
		SlippageK:            10,
		SlippageAlpha:        1,
		BaseFillProb:         0.95,
		FillTheta:            0.1,
		DecayRatePerSec:      2,
		RiskAversionLambda:   0.001,
		PriceVolatility:      0.02,
		ExecutionUncertainty: 0.05,
		GasStdUSD:            0.5,
		AdverseStdUSD:        1,
		InclusionSeconds:     1.25,
		MinProfitUSD:         1,
	}
}

func ethUSDC() []domain.Quote {
	return []domain.Quote{
		{Pair: "ETH/USDC", Venue: domain.VenuePRJX, Price: 2000, DepthUSD: 500_000},
		{Pair: "ETH/USDC", Venue: domain.VenueHyperSwap, Price: 2001, DepthUSD: 500_000},
	}
}

func zeroFees() domain.FeeOverrides {
	z := 0.0
	return domain.FeeOverrides{
		TotalFeesBps: &z, FlashFeeBps: &z, FlashFixedUSD: &z, ReferralBps: &z, ExecutorFeeUSD: &z,
	}
}

func newOpportunityService(market MarketData, sinks Sinks, m *metrics.Metrics) *OpportunityService {
	provider := regime.NewProvider(nil, regime.Config{}, discardLogger())
	svc := NewOpportunityService(market, provider, nil, sinks, testEvalConfig(), m, discardLogger())
	svc.now = func() time.Time { return evalAt }
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("opp-%d", n)
	}
	return svc
}

func TestEvaluateETHUSDCWouldTrade(t *testing.T) {
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, nil)

	opp, err := svc.Evaluate(context.Background(), domain.ArbInputs{
		Base: "eth", Quote: "usdc", EdgeBpsAtSignal: 20, NotionalUSDHint: 10_000, Fees: zeroFees(),
	})
	require.NoError(t, err)

	assert.Equal(t, "ETH/USDC", opp.Pair)
	assert.Equal(t, "opp-1", opp.ID)
	assert.Equal(t, evalAt, opp.EvaluatedAt)
	assert.True(t, opp.WouldTrade)

	o := opp.Optimization
	assert.InDelta(t, 10_000, o.SizeUSD, 1e-9)
	assert.InDelta(t, 20, o.DecayedEdgeBps, 1e-12)
	assert.InDelta(t, 0.1, o.SlippageBps, 1e-12)
	assert.InDelta(t, 19.9, o.GrossProfitUSD, 1e-9)
	assert.InDelta(t, 19.9, o.NetProfitUSD, 1e-9)
	assert.InDelta(t, 0.95, o.PSuccess, 1e-12)
	assert.False(t, o.Unbounded)
	assert.Zero(t, o.LatencyMs)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	market := &fakeMarket{
		quotes:  ethUSDC(),
		ref:     domain.ReferenceData{Volatility24h: ptr(2.5)},
		latency: ptr(40),
	}
	in := domain.ArbInputs{
		Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 80, NotionalUSDHint: 50_000,
		SignalAt: evalAt.Add(-1500 * time.Millisecond),
	}

	a, err := newOpportunityService(market, Sinks{}, nil).Evaluate(context.Background(), in)
	require.NoError(t, err)
	b, err := newOpportunityService(market, Sinks{}, nil).Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, a.Optimization, b.Optimization)
	assert.Equal(t, a.WouldTrade, b.WouldTrade)
	assert.InDelta(t, 1540, a.Optimization.LatencyMs, 1e-9)
	assert.InDelta(t, 80-2*1.54, a.Optimization.DecayedEdgeBps, 1e-9)
}

func TestEvaluateValidation(t *testing.T) {
	m := metrics.New()
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, m)

	_, err := svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Evaluate(context.Background(), domain.ArbInputs{Quote: "USDC", EdgeBpsAtSignal: 5})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", NotionalUSDHint: -5})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Evaluations.WithLabelValues(metrics.OutcomeInvalid)))
}

func TestEvaluateCriticalQuoteFailure(t *testing.T) {
	m := metrics.New()
	market := &fakeMarket{quotesErr: fmt.Errorf("market_data: %w", domain.ErrUpstreamCritical)}
	store := &memStore{}
	svc := newOpportunityService(market, Sinks{Store: store}, m)

	_, err := svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamCritical)
	assert.Empty(t, store.opps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evaluations.WithLabelValues(metrics.OutcomeUpstream)))
}

func TestEvaluateDegradedCarriesFlags(t *testing.T) {
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, nil)
	svc.now = time.Now

	opp, err := svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20})
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeSourceFallback, opp.Context.Source)
	assert.True(t, opp.Context.HasFlag(domain.FlagModelUnavailable))
	assert.True(t, opp.Context.HasFlag(domain.FlagHighLatency))
	assert.False(t, opp.Context.HasFlag(domain.FlagStaleData))
}

func TestEvaluateWithoutDepthIsFinite(t *testing.T) {
	svc := newOpportunityService(&fakeMarket{quotes: nil}, Sinks{}, nil)

	opp, err := svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 50})
	require.NoError(t, err)
	assert.Zero(t, opp.Optimization.SizeUSD)
	assert.False(t, opp.WouldTrade)
	_, err = json.Marshal(opp)
	assert.NoError(t, err)
}

func TestOptimizeUnboundedFallsBackToHint(t *testing.T) {
	cfg := testEvalConfig()
	cfg.SlippageK = 0
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Timestamp: evalAt}
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 2_500, Fees: zeroFees()}

	o, trade := Optimize(in, snap, domain.RegimeContext{}, cfg)
	assert.True(t, o.Unbounded)
	assert.Equal(t, 2_500.0, o.SizeUSD)
	assert.Zero(t, o.SlippageBps)
	assert.True(t, trade)

	in.NotionalUSDHint = 0
	o, _ = Optimize(in, snap, domain.RegimeContext{}, cfg)
	assert.Equal(t, 1_000_000.0, o.SizeUSD)
}

func TestOptimizeEdgeBelowCostsDoesNotTrade(t *testing.T) {
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Gas: domain.GasEstimate{USD: 2}, Timestamp: evalAt}
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 10_000}

	o, trade := Optimize(in, snap, domain.RegimeContext{}, testEvalConfig())
	assert.Zero(t, o.SizeUSD)
	assert.False(t, trade)
	assert.InDelta(t, 39, o.BreakevenBps, 1e-12)
}

func TestOptimizeSensitivityBuffer(t *testing.T) {
	cfg := testEvalConfig()
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Timestamp: evalAt}
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 10_000, Fees: zeroFees()}
	rc := domain.RegimeContext{SensitivityBps: 50}

	_, trade := Optimize(in, snap, rc, cfg)
	assert.True(t, trade)

	cfg.ApplySensitivity = true
	_, trade = Optimize(in, snap, rc, cfg)
	assert.False(t, trade)

	rc.SensitivityBps = 10
	_, trade = Optimize(in, snap, rc, cfg)
	assert.True(t, trade)
}

func TestOptimizeGasAndFees(t *testing.T) {
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Volatility: ptr(3), Gas: domain.GasEstimate{USD: 2, RawUSD: 2}, Timestamp: evalAt}
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 100, NotionalUSDHint: 10_000}

	o, trade := Optimize(in, snap, domain.RegimeContext{}, testEvalConfig())
	require.True(t, trade)
	assert.InDelta(t, 30, o.TradingFeesUSD, 1e-9)
	assert.InDelta(t, 9, o.FlashCostUSD, 1e-9)
	assert.Equal(t, 2.0, o.GasUSD)
	assert.InDelta(t, 99.9-30-9-2, o.NetProfitUSD, 1e-9)
	assert.InDelta(t, o.NetProfitUSD*0.95-2*0.05, o.EVUSD, 1e-9)
	assert.Less(t, o.RiskAdjustedEVUSD, o.EVUSD)
	assert.Greater(t, o.Sharpe, 0.0)
	assert.False(t, math.IsNaN(o.VarianceUSD2))
}

func TestEvaluateEmitsToSinks(t *testing.T) {
	store := &memStore{}
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{Store: store, Bus: bus, Notifier: notifier}, nil)
	svc.gas = fixedGas(0)

	_, err := svc.Evaluate(context.Background(), domain.ArbInputs{
		Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 10_000, Fees: zeroFees(),
	})
	require.NoError(t, err)
	_, err = svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 0})
	require.NoError(t, err)

	assert.Len(t, store.opps, 2)
	assert.Equal(t, 2, bus.published[domain.ChannelOpportunities])
	assert.Equal(t, 2, bus.streamed[domain.StreamOpportunities])
	assert.Equal(t, []string{EventWouldTrade}, notifier.events)
}

func TestOptimizeSlippageCap(t *testing.T) {
	cfg := testEvalConfig()
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Timestamp: evalAt}
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 100_000, Fees: zeroFees()}

	o, trade := Optimize(in, snap, domain.RegimeContext{}, cfg)
	require.True(t, trade)
	assert.InDelta(t, 100_000, o.SizeUSD, 1e-9)
	assert.InDelta(t, 1, o.SlippageBps, 1e-12)
	assert.False(t, o.SlippageCapped)

	// k=10 over $1M depth: 0.5 bps of slippage is reached at $50k.
	cfg.MaxSlippageBps = 0.5
	o, trade = Optimize(in, snap, domain.RegimeContext{}, cfg)
	require.True(t, trade)
	assert.True(t, o.SlippageCapped)
	assert.InDelta(t, 50_000, o.SizeUSD, 1e-6)
	assert.InDelta(t, 0.5, o.SlippageBps, 1e-9)

	// Constant impact above the cap leaves no tradeable size.
	cfg.SlippageAlpha = 0
	o, trade = Optimize(in, snap, domain.RegimeContext{}, cfg)
	assert.False(t, trade)
	assert.True(t, o.SlippageCapped)
	assert.Zero(t, o.SizeUSD)
}

func TestEvaluateSlippageCapFlag(t *testing.T) {
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, nil)
	svc.cfg.MaxSlippageBps = 0.05

	opp, err := svc.Evaluate(context.Background(), domain.ArbInputs{
		Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 20, NotionalUSDHint: 10_000, Fees: zeroFees(),
	})
	require.NoError(t, err)
	assert.True(t, opp.Context.HasFlag(domain.FlagSlippageCap))
	assert.InDelta(t, 5_000, opp.Optimization.SizeUSD, 1e-6)
	assert.True(t, opp.WouldTrade)
}

func TestEvaluateCapturesGasInSnapshot(t *testing.T) {
	gas := &countingGas{usd: 2}
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, nil)
	svc.gas = gas
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 100, NotionalUSDHint: 10_000}

	opp, err := svc.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, gas.calls)
	assert.Equal(t, 2.0, opp.Optimization.GasUSD)

	// Re-running the model on the same snapshot reproduces the result
	// without touching the oracle.
	snap := domain.MarketSnapshot{Quotes: ethUSDC(), Gas: domain.GasEstimate{USD: 2, RawUSD: 2}, Timestamp: evalAt}
	again, trade := Optimize(in, snap, domain.RegimeContext{}, svc.cfg)
	assert.Equal(t, opp.Optimization, again)
	assert.Equal(t, opp.WouldTrade, trade)
	assert.Equal(t, 1, gas.calls)
}

func TestEvaluatePausedByWatchdog(t *testing.T) {
	m := metrics.New()
	wd := NewWatchdog(WatchdogConfig{MaxGasUSD: 5}, m, discardLogger())
	svc := newOpportunityService(&fakeMarket{quotes: ethUSDC()}, Sinks{}, m).WithWatchdog(wd)
	in := domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 100, NotionalUSDHint: 10_000}

	svc.gas = fixedGas(2)
	opp, err := svc.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, opp.WouldTrade)
	assert.False(t, opp.Context.HasFlag(domain.FlagPaused))

	svc.gas = fixedGas(8)
	opp, err = svc.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, opp.WouldTrade)
	assert.True(t, opp.Context.HasFlag(domain.FlagPaused))
	assert.Greater(t, opp.Optimization.NetProfitUSD, 0.0, "sizing is still reported while paused")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradingPaused))
}

func TestEvaluateReportsCriticalFailuresToWatchdog(t *testing.T) {
	wd := NewWatchdog(WatchdogConfig{MaxErrorRate: 0.5, MinSamples: 1}, nil, discardLogger())
	market := &fakeMarket{quotesErr: fmt.Errorf("market_data: %w", domain.ErrUpstreamCritical)}
	svc := newOpportunityService(market, Sinks{}, nil).WithWatchdog(wd)

	_, err := svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: 10})
	require.Error(t, err)
	st := wd.Status()
	assert.Equal(t, 1, st.ErrorsInWindow)
	assert.True(t, st.Paused)
	assert.Equal(t, []string{PauseErrorRate}, st.Reasons)

	_, err = svc.Evaluate(context.Background(), domain.ArbInputs{Base: "ETH", Quote: "USDC", EdgeBpsAtSignal: -1})
	require.Error(t, err)
	assert.Equal(t, 1, wd.Status().ErrorsInWindow, "validation failures are not upstream errors")
}
