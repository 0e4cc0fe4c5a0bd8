package domain

import (
	"math"
	"strings"
	"time"
)

// Venue is the closed set of liquidity venues quotes are attributed to.
type Venue string

const (
	VenuePRJX      Venue = "prjx"
	VenueHyperSwap Venue = "hyperswap"
	VenueOther     Venue = "other"
)

// NormalizeVenue maps an upstream venue label onto the closed Venue set.
// Unknown labels become VenueOther.
func NormalizeVenue(raw string) Venue {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "", "-", "", "_", "", ".", "").Replace(s)
	switch {
	case strings.HasPrefix(s, "prjx"), strings.HasPrefix(s, "projectx"):
		return VenuePRJX
	case strings.HasPrefix(s, "hyperswap"):
		return VenueHyperSwap
	default:
		return VenueOther
	}
}

// Pair formats a trading pair key, e.g. "ETH/USDC".
func Pair(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// Quote is a single venue's price observation for a pair. Quotes are
// superseded, never mutated.
type Quote struct {
	Pair      string    `json:"pair"`
	Venue     Venue     `json:"venue"`
	Price     float64   `json:"price"`
	DepthUSD  float64   `json:"depthUsd"`
	FeeBps    float64   `json:"feeBps"`
	Timestamp time.Time `json:"timestamp"`
}

// ReferenceData holds advisory market-wide signals. A nil field is unknown.
type ReferenceData struct {
	RefPriceUSD   *float64 `json:"refPriceUsd,omitempty"`
	Volatility24h *float64 `json:"volatility24h,omitempty"`
	Volatility7d  *float64 `json:"volatility7d,omitempty"`
	FundingRate   *float64 `json:"fundingRate,omitempty"`
	Volume24h     *float64 `json:"volume24h,omitempty"`
}

// IsEmpty reports whether no reference signal is known.
func (r ReferenceData) IsEmpty() bool {
	return r.RefPriceUSD == nil && r.Volatility24h == nil && r.Volatility7d == nil &&
		r.FundingRate == nil && r.Volume24h == nil
}

// OrderBookLevel is one price level of an order book.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is an uncached depth snapshot for a pair.
type OrderBook struct {
	Pair      string           `json:"pair"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// MarketSnapshot is assembled fresh for each evaluation.
type MarketSnapshot struct {
	Quotes      []Quote   `json:"quotes"`
	RefPriceUSD *float64  `json:"refPriceUsd,omitempty"`
	Volatility  *float64  `json:"volatility,omitempty"`
	Funding     *float64  `json:"funding,omitempty"`
	WSLatencyMs *float64  `json:"wsLatencyMs,omitempty"`
	// Gas is priced once per snapshot so the sizing model never consults
	// the oracle's cache itself.
	Gas       GasEstimate `json:"gas"`
	Timestamp time.Time   `json:"timestamp"`
}

// GasEstimate is the priced cost of one execution.
type GasEstimate struct {
	PriceGwei float64 `json:"priceGwei"`
	// USD is the cost charged to the trade, bounded by the gas cap.
	USD float64 `json:"usd"`
	// RawUSD is the cost before the cap.
	RawUSD float64 `json:"rawUsd"`
}

// TotalDepthUSD sums quoted depth across venues.
func (s MarketSnapshot) TotalDepthUSD() float64 {
	var total float64
	for _, q := range s.Quotes {
		total += q.DepthUSD
	}
	return total
}

// PriceSpread returns (max-min)/min across positive quote prices, or 0 when
// fewer than two prices are available.
func (s MarketSnapshot) PriceSpread() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, q := range s.Quotes {
		if q.Price <= 0 {
			continue
		}
		lo = math.Min(lo, q.Price)
		hi = math.Max(hi, q.Price)
		n++
	}
	if n < 2 {
		return 0
	}
	return (hi - lo) / lo
}

// Age returns how old the snapshot is at now.
func (s MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
