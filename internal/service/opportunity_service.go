package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbeval/internal/arbmath"
	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/metrics"
)

// Notification event types.
const (
	EventWouldTrade  = "would_trade"
	EventFeedGivenUp = "feed_given_up"
)

// MarketData supplies the inputs of a snapshot. *MarketDataService
// satisfies it.
type MarketData interface {
	GetQuotes(ctx context.Context, pair string) ([]domain.Quote, error)
	GetReferenceData(ctx context.Context, pair string) (domain.ReferenceData, error)
	LatencyMs() (float64, bool)
}

// RegimeSummarizer classifies a snapshot. *regime.Provider satisfies it.
type RegimeSummarizer interface {
	Summarize(ctx context.Context, snap domain.MarketSnapshot) domain.RegimeContext
}

// GasEstimator prices one execution. *chain.GasOracle satisfies it.
type GasEstimator interface {
	Estimate(ctx context.Context) domain.GasEstimate
}

// Notifier delivers filtered operator alerts. *notify.Notifier satisfies
// it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EvalConfig holds the quantitative model constants and fee defaults.
type EvalConfig struct {
	Fees domain.FeeConfig

	SlippageK            float64
	SlippageAlpha        float64
	BaseFillProb         float64
	FillTheta            float64
	DecayRatePerSec      float64
	RiskAversionLambda   float64
	PriceVolatility      float64
	ExecutionUncertainty float64
	GasStdUSD            float64
	AdverseStdUSD        float64
	AdverseKVol          float64
	InclusionSeconds     float64
	RiskFreeRate         float64
	MinProfitUSD         float64

	// MaxSlippageBps caps expected slippage. The size is reduced to the
	// largest that stays within the cap. Zero disables it.
	MaxSlippageBps float64

	// ApplySensitivity adds the regime sensitivity to the breakeven hurdle
	// of the trade decision.
	ApplySensitivity bool
}

// Sinks are the optional outputs of an evaluation. Any nil field is
// skipped; sink failures are logged and never fail an evaluation.
type Sinks struct {
	Store    domain.OpportunityStore
	Bus      domain.SignalBus
	Notifier Notifier
}

// OpportunityService turns a signalled discrepancy into a sized, valued
// Opportunity.
type OpportunityService struct {
	market   MarketData
	regime   RegimeSummarizer
	gas      GasEstimator
	watchdog *Watchdog
	sinks    Sinks
	cfg      EvalConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewOpportunityService creates an OpportunityService. gas may be nil, in
// which case gas is priced at zero.
func NewOpportunityService(
	market MarketData,
	regime RegimeSummarizer,
	gas GasEstimator,
	sinks Sinks,
	cfg EvalConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OpportunityService {
	return &OpportunityService{
		market:  market,
		regime:  regime,
		gas:     gas,
		sinks:   sinks,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "opportunity_service")),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithWatchdog makes trade decisions subject to w. Critical quote failures
// and gas estimates are reported to it.
func (s *OpportunityService) WithWatchdog(w *Watchdog) *OpportunityService {
	s.watchdog = w
	return s
}

// Evaluate validates in, gathers market data, classifies the regime and
// sizes the trade. Validation failures wrap domain.ErrValidation and quote
// failures wrap domain.ErrUpstreamCritical.
func (s *OpportunityService) Evaluate(ctx context.Context, in domain.ArbInputs) (domain.Opportunity, error) {
	started := time.Now()
	opp, err := s.evaluate(ctx, in)
	s.metrics.ObserveEvaluation(outcome(opp, err), time.Since(started))
	if err != nil {
		return domain.Opportunity{}, err
	}
	s.metrics.ObserveOpportunity(opp)
	s.emit(ctx, opp)
	return opp, nil
}

func (s *OpportunityService) evaluate(ctx context.Context, in domain.ArbInputs) (domain.Opportunity, error) {
	if err := in.Validate(); err != nil {
		return domain.Opportunity{}, fmt.Errorf("opportunity_service: %w", err)
	}
	pair := in.Pair()

	var (
		quotes []domain.Quote
		ref    domain.ReferenceData
		gas    domain.GasEstimate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		quotes, err = s.market.GetQuotes(gctx, pair)
		return err
	})
	g.Go(func() error {
		var err error
		ref, err = s.market.GetReferenceData(gctx, pair)
		return err
	})
	if s.gas != nil {
		g.Go(func() error {
			gas = s.gas.Estimate(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrUpstreamCritical) {
			s.watchdog.RecordError()
		}
		return domain.Opportunity{}, fmt.Errorf("opportunity_service: evaluate %s: %w", pair, err)
	}

	now := s.now().UTC()
	snap := domain.MarketSnapshot{
		Quotes:      quotes,
		RefPriceUSD: ref.RefPriceUSD,
		Volatility:  ref.Volatility24h,
		Funding:     ref.FundingRate,
		Gas:         gas,
		Timestamp:   now,
	}
	if ms, ok := s.market.LatencyMs(); ok {
		snap.WSLatencyMs = &ms
	}

	rc := s.regime.Summarize(ctx, snap)

	optim, wouldTrade := Optimize(in, snap, rc, s.cfg)
	if optim.SlippageCapped {
		rc = rc.WithFlag(domain.FlagSlippageCap)
	}

	s.watchdog.ObserveGas(gas.RawUSD)
	if health := s.watchdog.Status(); health.Paused {
		rc = rc.WithFlag(domain.FlagPaused)
		wouldTrade = false
		s.logger.InfoContext(ctx, "trade suppressed by watchdog",
			slog.String("pair", pair),
			slog.Any("reasons", health.Reasons),
		)
	}
	opp := domain.Opportunity{
		ID:           s.newID(),
		Pair:         pair,
		Inputs:       in,
		Context:      rc,
		Optimization: optim,
		WouldTrade:   wouldTrade,
		EvaluatedAt:  now,
	}

	s.logger.InfoContext(ctx, "opportunity evaluated",
		slog.String("id", opp.ID),
		slog.String("pair", pair),
		slog.String("regime", string(rc.Regime)),
		slog.String("regime_source", string(rc.Source)),
		slog.Float64("size_usd", optim.SizeUSD),
		slog.Float64("net_profit_usd", optim.NetProfitUSD),
		slog.Float64("ev_usd", optim.EVUSD),
		slog.Bool("would_trade", wouldTrade),
	)
	return opp, nil
}

// emit writes opp to every configured sink.
func (s *OpportunityService) emit(ctx context.Context, opp domain.Opportunity) {
	if s.sinks.Store != nil {
		if err := s.sinks.Store.Insert(ctx, opp); err != nil {
			s.logger.WarnContext(ctx, "journal insert failed",
				slog.String("id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.sinks.Bus != nil {
		payload, err := json.Marshal(opp)
		if err == nil {
			if err := s.sinks.Bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
				s.logger.WarnContext(ctx, "publish opportunity failed",
					slog.String("id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
			if err := s.sinks.Bus.StreamAppend(ctx, domain.StreamOpportunities, payload); err != nil {
				s.logger.WarnContext(ctx, "stream append failed",
					slog.String("id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.sinks.Notifier != nil && opp.WouldTrade {
		msg := fmt.Sprintf("%s size $%.2f net $%.2f EV $%.2f (%s, %s)",
			opp.Pair,
			opp.Optimization.SizeUSD,
			opp.Optimization.NetProfitUSD,
			opp.Optimization.EVUSD,
			opp.Context.Regime,
			opp.Context.Source,
		)
		if err := s.sinks.Notifier.Notify(ctx, EventWouldTrade, "Tradeable opportunity", msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Optimize sizes and values one opportunity. It is pure: identical
// arguments always produce an identical result. Gas is read from the
// snapshot.
func Optimize(in domain.ArbInputs, snap domain.MarketSnapshot, rc domain.RegimeContext, cfg EvalConfig) (domain.Optimization, bool) {
	fees := in.Fees.Merge(cfg.Fees)
	gasUSD := snap.Gas.USD
	if !arbmath.Finite(gasUSD) || gasUSD < 0 {
		gasUSD = 0
	}

	latencySec := 0.0
	if !in.SignalAt.IsZero() {
		latencySec = math.Max(0, snap.Timestamp.Sub(in.SignalAt).Seconds())
	}
	if snap.WSLatencyMs != nil && arbmath.Finite(*snap.WSLatencyMs) && *snap.WSLatencyMs > 0 {
		latencySec += *snap.WSLatencyMs / 1000
	}

	var out domain.Optimization
	out.LatencyMs = latencySec * 1000
	out.DecayedEdgeBps = arbmath.ApplyEdgeDecay(in.EdgeBpsAtSignal, cfg.DecayRatePerSec, latencySec)
	out.PSuccess = arbmath.FillProbability(cfg.BaseFillProb, cfg.FillTheta, latencySec)

	depth := snap.TotalDepthUSD()
	if depth < 0 || !arbmath.Finite(depth) {
		depth = 0
	}

	// Size: min of the linear-impact optimum, the caller's hint and depth.
	costBps := arbmath.CombinedFeesBps(fees.TotalFeesBps, fees.FlashFeeBps, fees.ReferralBps)
	size := 0.0
	if depth > 0 {
		optimal := arbmath.OptimalSizeLinearImpact(out.DecayedEdgeBps, costBps, cfg.SlippageK/depth)
		if !arbmath.Finite(optimal) {
			out.Unbounded = true
			optimal = depth
		}
		size = math.Min(optimal, depth)
		if in.NotionalUSDHint > 0 {
			size = math.Min(size, in.NotionalUSDHint)
		}
		size = math.Max(size, 0)
		if cfg.MaxSlippageBps > 0 {
			if capped := arbmath.MaxSizeForSlippage(cfg.MaxSlippageBps, depth, cfg.SlippageK, cfg.SlippageAlpha); capped < size {
				size = capped
				out.SlippageCapped = true
			}
		}
	}
	out.SizeUSD = size

	fixedUSD := fees.FlashFixedUSD + fees.ExecutorFeeUSD + gasUSD
	out.BreakevenBps = arbmath.BreakevenBps(costBps, fixedUSD, size)
	if size == 0 {
		return out, false
	}

	out.SlippageBps = arbmath.Slippage(size, depth, cfg.SlippageK, cfg.SlippageAlpha)
	out.GrossProfitUSD = arbmath.BpsToUSD(out.DecayedEdgeBps-out.SlippageBps, size)
	out.TradingFeesUSD = arbmath.BpsToUSD(fees.TotalFeesBps, size)
	out.FlashCostUSD = arbmath.FlashCostUSD(size, fees.FlashFeeBps, fees.ReferralBps, fees.FlashFixedUSD)
	out.GasUSD = gasUSD
	out.AdverseUSD = arbmath.AdverseSelectionUSD(cfg.AdverseKVol, cfg.InclusionSeconds+latencySec, 1, size)
	out.NetProfitUSD = arbmath.NetProfitUSD(out.GrossProfitUSD, out.TradingFeesUSD, out.FlashCostUSD, fees.ExecutorFeeUSD, gasUSD) - out.AdverseUSD

	out.EVUSD = arbmath.ApplyFailProbability(out.NetProfitUSD, gasUSD, 1-out.PSuccess)

	priceVol := cfg.PriceVolatility
	if snap.Volatility != nil && arbmath.Finite(*snap.Volatility) && *snap.Volatility >= 0 {
		priceVol = *snap.Volatility / 100
	}
	out.VarianceUSD2 = arbmath.ProfitVariance(out.NetProfitUSD, priceVol, cfg.ExecutionUncertainty, cfg.GasStdUSD, cfg.AdverseStdUSD)
	out.RiskAdjustedEVUSD = arbmath.MeanVarianceAdjust(out.EVUSD, cfg.RiskAversionLambda, out.VarianceUSD2)
	out.Sharpe = arbmath.Sharpe(out.EVUSD, cfg.RiskFreeRate, out.VarianceUSD2)

	var wouldTrade bool
	if cfg.MinProfitUSD > 0 {
		wouldTrade = arbmath.MeetsProfitThreshold(out.NetProfitUSD, cfg.MinProfitUSD)
	} else {
		wouldTrade = arbmath.MeetsMinimumProfit(out.NetProfitUSD)
	}
	wouldTrade = wouldTrade && arbmath.Finite(out.NetProfitUSD)
	if cfg.MaxSlippageBps > 0 && out.SlippageBps > cfg.MaxSlippageBps*(1+1e-9) {
		wouldTrade = false
	}
	if wouldTrade && cfg.ApplySensitivity {
		wouldTrade = out.DecayedEdgeBps-out.SlippageBps >= out.BreakevenBps+rc.SensitivityBps
	}
	return out, wouldTrade
}

func outcome(opp domain.Opportunity, err error) string {
	switch {
	case err == nil && opp.WouldTrade:
		return metrics.OutcomeTrade
	case err == nil:
		return metrics.OutcomeNoTrade
	case errors.Is(err, domain.ErrValidation):
		return metrics.OutcomeInvalid
	case errors.Is(err, domain.ErrUpstreamCritical):
		return metrics.OutcomeUpstream
	default:
		return metrics.OutcomeOtherError
	}
}
