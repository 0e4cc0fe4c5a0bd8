package domain

import (
	"slices"
	"time"
)

// Regime is a coarse market-condition classification.
type Regime string

const (
	RegimeCalm     Regime = "calm"
	RegimeVolatile Regime = "volatile"
	RegimeEvent    Regime = "event"
	RegimeIlliquid Regime = "illiquid"
)

// Valid reports whether r is one of the four known regimes.
func (r Regime) Valid() bool {
	switch r {
	case RegimeCalm, RegimeVolatile, RegimeEvent, RegimeIlliquid:
		return true
	}
	return false
}

// Risk flags attached to degraded evaluations.
const (
	FlagStaleData        = "stale_data"
	FlagHighLatency      = "high_latency"
	FlagModelUnavailable = "model_unavailable"

	// FlagPaused marks an evaluation made while the health watchdog had
	// trading paused. Such an evaluation never trades.
	FlagPaused = "paused"
	// FlagSlippageCap marks a size reduced to stay within the slippage cap.
	FlagSlippageCap = "slippage_cap"
)

// RegimeSource records which path produced a RegimeContext.
type RegimeSource string

const (
	RegimeSourceInference RegimeSource = "inference"
	RegimeSourceFallback  RegimeSource = "fallback"
)

// RegimeContext is derived from a MarketSnapshot and never mutated after
// creation.
type RegimeContext struct {
	Regime         Regime       `json:"regime"`
	RiskFlags      []string     `json:"riskFlags"`
	Narrative      string       `json:"narrative"`
	SensitivityBps float64      `json:"sensitivityBps"`
	Confidence     float64      `json:"confidence"`
	Source         RegimeSource `json:"source"`
	Timestamp      time.Time    `json:"timestamp"`
}

// HasFlag reports whether flag is present.
func (c RegimeContext) HasFlag(flag string) bool {
	return slices.Contains(c.RiskFlags, flag)
}

// WithFlag returns a copy of c with flag present exactly once.
func (c RegimeContext) WithFlag(flag string) RegimeContext {
	if c.HasFlag(flag) {
		return c
	}
	flags := make([]string, 0, len(c.RiskFlags)+1)
	flags = append(flags, c.RiskFlags...)
	c.RiskFlags = append(flags, flag)
	return c
}
