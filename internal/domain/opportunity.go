package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// FeeOverrides carries caller-supplied fee fields. A nil field falls back to
// the configured default.
type FeeOverrides struct {
	TotalFeesBps   *float64 `json:"totalFeesBps,omitempty"`
	FlashFeeBps    *float64 `json:"flashFeeBps,omitempty"`
	FlashFixedUSD  *float64 `json:"flashFixedUsd,omitempty"`
	ReferralBps    *float64 `json:"referralBps,omitempty"`
	ExecutorFeeUSD *float64 `json:"executorFeeUsd,omitempty"`
}

// FeeConfig is the fully resolved fee schedule used by an evaluation.
type FeeConfig struct {
	TotalFeesBps   float64 `json:"totalFeesBps"`
	FlashFeeBps    float64 `json:"flashFeeBps"`
	FlashFixedUSD  float64 `json:"flashFixedUsd"`
	ReferralBps    float64 `json:"referralBps"`
	ExecutorFeeUSD float64 `json:"executorFeeUsd"`
}

// Merge resolves o on top of defaults.
func (o FeeOverrides) Merge(defaults FeeConfig) FeeConfig {
	out := defaults
	pick := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	pick(&out.TotalFeesBps, o.TotalFeesBps)
	pick(&out.FlashFeeBps, o.FlashFeeBps)
	pick(&out.FlashFixedUSD, o.FlashFixedUSD)
	pick(&out.ReferralBps, o.ReferralBps)
	pick(&out.ExecutorFeeUSD, o.ExecutorFeeUSD)
	return out
}

// ArbInputs is a caller's request to evaluate one signalled discrepancy.
type ArbInputs struct {
	Base            string       `json:"base"`
	Quote           string       `json:"quote"`
	EdgeBpsAtSignal float64      `json:"edgeBpsAtSignal"`
	NotionalUSDHint float64      `json:"notionalUsdHint,omitempty"`
	SignalAt        time.Time    `json:"signalAt,omitempty"`
	Fees            FeeOverrides `json:"fees"`
}

// Pair returns the normalised pair key.
func (in ArbInputs) Pair() string {
	return Pair(in.Base, in.Quote)
}

// Validate rejects malformed inputs with an error wrapping ErrValidation.
func (in ArbInputs) Validate() error {
	var problems []string
	if strings.TrimSpace(in.Base) == "" {
		problems = append(problems, "base is required")
	}
	if strings.TrimSpace(in.Quote) == "" {
		problems = append(problems, "quote is required")
	}
	if math.IsNaN(in.EdgeBpsAtSignal) || math.IsInf(in.EdgeBpsAtSignal, 0) {
		problems = append(problems, "edgeBpsAtSignal must be finite")
	} else if in.EdgeBpsAtSignal < 0 {
		problems = append(problems, "edgeBpsAtSignal must be >= 0")
	}
	if math.IsNaN(in.NotionalUSDHint) || math.IsInf(in.NotionalUSDHint, 0) || in.NotionalUSDHint < 0 {
		problems = append(problems, "notionalUsdHint must be a finite value >= 0")
	}
	for name, v := range map[string]*float64{
		"totalFeesBps":   in.Fees.TotalFeesBps,
		"flashFeeBps":    in.Fees.FlashFeeBps,
		"flashFixedUsd":  in.Fees.FlashFixedUSD,
		"referralBps":    in.Fees.ReferralBps,
		"executorFeeUsd": in.Fees.ExecutorFeeUSD,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0) {
			problems = append(problems, name+" must be a finite value >= 0")
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Optimization holds the sizing and value results of one evaluation.
type Optimization struct {
	SizeUSD           float64 `json:"sizeUsd"`
	EVUSD             float64 `json:"evUsd"`
	PSuccess          float64 `json:"pSuccess"`
	DecayedEdgeBps    float64 `json:"decayedEdgeBps"`
	BreakevenBps      float64 `json:"breakevenBps"`
	SlippageBps       float64 `json:"slippageBps"`
	GrossProfitUSD    float64 `json:"grossProfitUsd"`
	NetProfitUSD      float64 `json:"netProfitUsd"`
	TradingFeesUSD    float64 `json:"tradingFeesUsd"`
	FlashCostUSD      float64 `json:"flashCostUsd"`
	GasUSD            float64 `json:"gasUsd"`
	AdverseUSD        float64 `json:"adverseUsd"`
	VarianceUSD2      float64 `json:"varianceUsd2"`
	RiskAdjustedEVUSD float64 `json:"riskAdjustedEvUsd"`
	Sharpe            float64 `json:"sharpe"`
	LatencyMs         float64 `json:"latencyMs"`
	// Unbounded is set when the unconstrained optimum was non-finite and the
	// size fell back to the caller's bound.
	Unbounded bool `json:"unbounded"`
	// SlippageCapped is set when the size was reduced so that slippage
	// stays within the configured cap.
	SlippageCapped bool `json:"slippageCapped,omitempty"`
}

// Opportunity is the engine's sole output.
type Opportunity struct {
	ID           string        `json:"id"`
	Pair         string        `json:"pair"`
	Inputs       ArbInputs     `json:"inputs"`
	Context      RegimeContext `json:"context"`
	Optimization Optimization  `json:"optimization"`
	WouldTrade   bool          `json:"wouldTrade"`
	EvaluatedAt  time.Time     `json:"evaluatedAt"`
}

// OpportunitySummary is a simple aggregation over journaled opportunities.
type OpportunitySummary struct {
	Since         time.Time `json:"since"`
	Count         int64     `json:"count"`
	WouldTrade    int64     `json:"wouldTrade"`
	TotalEVUSD    float64   `json:"totalEvUsd"`
	TotalSizeUSD  float64   `json:"totalSizeUsd"`
	AvgConfidence float64   `json:"avgConfidence"`
}
