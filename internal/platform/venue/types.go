package venue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// flexFloat unmarshals from a JSON number or a numeric string, since
// aggregators relay on-chain amounts either way.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("venue: numeric field %q: %w", s, err)
	}
	*f = flexFloat(n)
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// --------------------------------------------------------------------------
// Aggregator API DTOs
// --------------------------------------------------------------------------

// APIQuote is one venue quote as returned by GET /quotes.
type APIQuote struct {
	Venue    string    `json:"venue"`
	Price    flexFloat `json:"price"`
	DepthUSD flexFloat `json:"depthUsd"`
	FeeBps   flexFloat `json:"feeBps"`
	// TimestampMs is the venue observation time in unix milliseconds.
	TimestampMs int64 `json:"timestamp"`
}

// APIQuotes is the GET /quotes envelope.
type APIQuotes struct {
	Pair   string     `json:"pair"`
	Quotes []APIQuote `json:"quotes"`
}

// APIReference is the GET /reference body. Absent fields stay nil.
type APIReference struct {
	RefPriceUSD   *flexFloat `json:"refPriceUsd"`
	Volatility24h *flexFloat `json:"volatility24h"`
	Volatility7d  *flexFloat `json:"volatility7d"`
	FundingRate   *flexFloat `json:"fundingRate"`
	Volume24h     *flexFloat `json:"volume24h"`
}

// APILevel is one [price, size] order book level.
type APILevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// APIOrderBook is the GET /orderbook body.
type APIOrderBook struct {
	Pair        string     `json:"pair"`
	Bids        []APILevel `json:"bids"`
	Asks        []APILevel `json:"asks"`
	TimestampMs int64      `json:"timestamp"`
}

// ToDomainQuote converts the DTO, normalising the venue label. ok is false
// for quotes without a usable price.
func (q APIQuote) ToDomainQuote(pair string, now time.Time) (domain.Quote, bool) {
	price := float64(q.Price)
	if !(price > 0) || math.IsInf(price, 0) {
		return domain.Quote{}, false
	}
	depth := float64(q.DepthUSD)
	if !(depth >= 0) || math.IsInf(depth, 0) {
		depth = 0
	}
	ts := now
	if q.TimestampMs > 0 {
		ts = time.UnixMilli(q.TimestampMs).UTC()
	}
	return domain.Quote{
		Pair:      pair,
		Venue:     domain.NormalizeVenue(q.Venue),
		Price:     price,
		DepthUSD:  depth,
		FeeBps:    float64(q.FeeBps),
		Timestamp: ts,
	}, true
}

// ToDomainReference converts the DTO. Non-finite values become unknown.
func (r APIReference) ToDomainReference() domain.ReferenceData {
	return domain.ReferenceData{
		RefPriceUSD:   r.RefPriceUSD.ptr(),
		Volatility24h: r.Volatility24h.ptr(),
		Volatility7d:  r.Volatility7d.ptr(),
		FundingRate:   r.FundingRate.ptr(),
		Volume24h:     r.Volume24h.ptr(),
	}
}

// ToDomainOrderBook converts the DTO.
func (b APIOrderBook) ToDomainOrderBook(pair string, now time.Time) domain.OrderBook {
	ts := now
	if b.TimestampMs > 0 {
		ts = time.UnixMilli(b.TimestampMs).UTC()
	}
	return domain.OrderBook{
		Pair:      pair,
		Bids:      toLevels(b.Bids),
		Asks:      toLevels(b.Asks),
		Timestamp: ts,
	}
}

func toLevels(in []APILevel) []domain.OrderBookLevel {
	out := make([]domain.OrderBookLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.OrderBookLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return out
}
