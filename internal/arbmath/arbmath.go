// Package arbmath holds the pure numeric model used to size and value a
// cross-venue arbitrage: unit conversion, cost modelling, slippage, fill
// probability, edge decay, expected value and risk adjustment.
//
// Every function is deterministic and free of I/O. Quantities are USD or
// basis points carried as float64; token amounts use exact integer
// arithmetic (see units.go).
package arbmath

import "math"

// BpsPerUnit is the number of basis points in 1.0.
const BpsPerUnit = 10_000.0

// DefaultMinProfitUSD is the default net-profit threshold for a trade.
const DefaultMinProfitUSD = 1.0

// USDToBps expresses usd as basis points of notional. A zero notional
// yields 0.
func USDToBps(usd, notional float64) float64 {
	if notional == 0 {
		return 0
	}
	return usd / notional * BpsPerUnit
}

// BpsToUSD converts bps of notional back into USD.
func BpsToUSD(bps, notional float64) float64 {
	return bps / BpsPerUnit * notional
}

// FlashCostUSD is the flash-loan cost of borrowing notional: the percentage
// fee (flash fee plus referral) plus the fixed fee.
func FlashCostUSD(notional, flashFeeBps, referralBps, flashFixedUSD float64) float64 {
	return BpsToUSD(flashFeeBps+referralBps, notional) + flashFixedUSD
}

// CombinedFeesBps sums router, LP and any extra fees.
func CombinedFeesBps(routerBps, lpBps, extraBps float64) float64 {
	return routerBps + lpBps + extraBps
}

// Slippage returns the expected price impact, in the units of k, of
// executing size against liquidity: k * (size/liquidity)^alpha. Zero
// liquidity returns +Inf; callers must guard it.
func Slippage(size, liquidity, k, alpha float64) float64 {
	if liquidity <= 0 {
		return math.Inf(1)
	}
	if size <= 0 {
		return 0
	}
	return k * math.Pow(size/liquidity, alpha)
}

// MaxSizeForSlippage inverts Slippage: the largest size whose impact stays
// within capBps. It is +Inf when impact never reaches the cap and 0 when
// any trade exceeds it.
func MaxSizeForSlippage(capBps, liquidity, k, alpha float64) float64 {
	if liquidity <= 0 {
		return 0
	}
	if k <= 0 {
		return math.Inf(1)
	}
	if alpha <= 0 {
		if k <= capBps {
			return math.Inf(1)
		}
		return 0
	}
	if capBps <= 0 {
		return 0
	}
	return liquidity * math.Pow(capBps/k, 1/alpha)
}

// FillProbability is base * exp(-theta * latency), clamped to [0,1].
// Negative latency is treated as zero.
func FillProbability(base, theta, latencySeconds float64) float64 {
	if latencySeconds < 0 {
		latencySeconds = 0
	}
	return Clamp(base*math.Exp(-theta*latencySeconds), 0, 1)
}

// ApplyEdgeDecay reduces edgeBps linearly with latency, never below zero.
func ApplyEdgeDecay(edgeBps, decayRatePerSec, latencySeconds float64) float64 {
	if latencySeconds < 0 {
		latencySeconds = 0
	}
	decayed := edgeBps - decayRatePerSec*latencySeconds
	if decayed < 0 || math.IsNaN(decayed) {
		return 0
	}
	return decayed
}

// BreakevenBps is the edge needed to cover percentage fees plus fixed USD
// costs at the given notional.
func BreakevenBps(totalFeesBps, fixedCostsUSD, notional float64) float64 {
	return totalFeesBps + USDToBps(fixedCostsUSD, notional)
}

// ExpectedValue weighs profit on success against the cost paid on failure.
func ExpectedValue(profitUSD, pSuccess, failureCostUSD float64) float64 {
	return profitUSD*pSuccess - failureCostUSD*(1-pSuccess)
}

// ApplyFailProbability is the gas-only failure form of ExpectedValue:
// (1-p)*net + p*(-gas), with p clamped to [0,1].
func ApplyFailProbability(netUSD, gasUSD, failProb float64) float64 {
	return ExpectedValue(netUSD, 1-Clamp(failProb, 0, 1), gasUSD)
}

// MeanVarianceAdjust penalises ev by lambda times variance.
func MeanVarianceAdjust(ev, lambda, variance float64) float64 {
	return ev - lambda*variance
}

// OptimalSizeLinearImpact maximises (edge-cost)*s - impact*s^2 in notional
// units. A non-positive impact coefficient returns +Inf; callers must
// guard it.
func OptimalSizeLinearImpact(edgeBps, totalCostBps, impactCoefficient float64) float64 {
	if impactCoefficient <= 0 {
		return math.Inf(1)
	}
	return (edgeBps - totalCostBps) / (2 * impactCoefficient)
}

// NetProfitUSD subtracts every cost component from gross profit.
func NetProfitUSD(grossUSD, tradingFeesUSD, flashCostUSD, executorFeeUSD, gasUSD float64) float64 {
	return grossUSD - tradingFeesUSD - flashCostUSD - executorFeeUSD - gasUSD
}

// ProfitVariance sums the squared independent risk terms.
func ProfitVariance(profitUSD, priceVolatility, executionUncertainty, gasStdUSD, adverseStdUSD float64) float64 {
	pv := profitUSD * priceVolatility
	eu := profitUSD * executionUncertainty
	return pv*pv + eu*eu + gasStdUSD*gasStdUSD + adverseStdUSD*adverseStdUSD
}

// Sharpe is (expected-riskFree)/sqrt(variance). Zero or negative variance
// yields 0.
func Sharpe(expectedReturn, riskFreeRate, variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	return (expectedReturn - riskFreeRate) / math.Sqrt(variance)
}

// MeetsMinimumProfit reports whether net clears DefaultMinProfitUSD.
func MeetsMinimumProfit(netUSD float64) bool {
	return MeetsProfitThreshold(netUSD, DefaultMinProfitUSD)
}

// MeetsProfitThreshold reports whether net clears minUSD.
func MeetsProfitThreshold(netUSD, minUSD float64) bool {
	return netUSD >= minUSD
}

// AdverseSelectionUSD is the Brownian-drift penalty for holding notional
// exposed for seconds: kVol * sqrt(dt) * beta * notional.
func AdverseSelectionUSD(kVol, seconds, beta, notional float64) float64 {
	dt := math.Max(seconds, 1e-6)
	return kVol * math.Sqrt(dt) * beta * notional
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
