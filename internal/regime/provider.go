// Package regime classifies the current market regime for a snapshot. An
// inference endpoint is the primary path; a deterministic rule set is the
// fallback and the validator for out-of-range replies.
package regime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/arbeval/internal/arbmath"
	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/retry"
)

// Fallback thresholds.
const (
	volatileAbovePct   = 5.0
	illiquidBelowUSD   = 10_000.0
	eventSpreadAbove   = 0.01
	fallbackConfidence = 0.3
	calmSensitivity    = 10.0
	otherSensitivity   = 50.0
	maxSensitivityBps  = 100.0
	maxNarrativeRunes  = 500
)

// Completer is the inference endpoint. *inference.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config holds provider parameters.
type Config struct {
	// StaleAfter flags snapshots older than this. Zero means 3s.
	StaleAfter time.Duration
	// HighLatencyMs flags feed round trips above this. Zero means 100.
	HighLatencyMs float64
	// RetryStep scales the linear retry backoff. Zero means 1s.
	RetryStep time.Duration
}

// Provider produces a RegimeContext for every snapshot and never fails.
type Provider struct {
	client Completer
	cfg    Config
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewProvider creates a provider. A nil client sends every call straight to
// the deterministic fallback.
func NewProvider(client Completer, cfg Config, logger *slog.Logger) *Provider {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * time.Second
	}
	if cfg.HighLatencyMs <= 0 {
		cfg.HighLatencyMs = 100
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = time.Second
	}
	p := &Provider{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "regime_provider")),
		now:    time.Now,
	}
	p.policy = retry.Inference(cfg.RetryStep)
	p.policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		p.logger.Warn("regime inference failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return p
}

// Summarize classifies snap. Inference failures, malformed replies and
// cancellation all resolve to the fallback context.
func (p *Provider) Summarize(ctx context.Context, snap domain.MarketSnapshot) domain.RegimeContext {
	var rc domain.RegimeContext
	if p.client == nil {
		rc = Fallback(snap)
	} else if inferred, err := p.infer(ctx, snap); err != nil {
		p.logger.WarnContext(ctx, "regime inference unavailable, using fallback",
			slog.String("error", err.Error()),
		)
		rc = Fallback(snap)
	} else {
		rc = inferred
	}
	rc.Timestamp = p.now().UTC()
	return p.augment(rc, snap)
}

func (p *Provider) infer(ctx context.Context, snap domain.MarketSnapshot) (domain.RegimeContext, error) {
	prompt, err := buildPrompt(snap, p.now())
	if err != nil {
		return domain.RegimeContext{}, err
	}
	var rc domain.RegimeContext
	err = p.policy.Do(ctx, func(ctx context.Context) error {
		content, err := p.client.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			return err
		}
		rc, err = parseReply(content, snap)
		return err
	})
	if err != nil {
		return domain.RegimeContext{}, fmt.Errorf("regime: infer: %w", err)
	}
	return rc, nil
}

// augment adds the flags every context carries regardless of its source.
func (p *Provider) augment(rc domain.RegimeContext, snap domain.MarketSnapshot) domain.RegimeContext {
	if snap.Age(p.now()) > p.cfg.StaleAfter {
		rc = rc.WithFlag(domain.FlagStaleData)
	}
	if snap.WSLatencyMs == nil || *snap.WSLatencyMs > p.cfg.HighLatencyMs {
		rc = rc.WithFlag(domain.FlagHighLatency)
	}
	if rc.RiskFlags == nil {
		rc.RiskFlags = []string{}
	}
	return rc
}

// Classify is the deterministic regime rule: volatility above 5% is
// volatile, then depth under $10k is illiquid, then a cross-venue spread
// above 1% is an event, else calm.
func Classify(snap domain.MarketSnapshot) domain.Regime {
	switch {
	case snap.Volatility != nil && *snap.Volatility > volatileAbovePct:
		return domain.RegimeVolatile
	case snap.TotalDepthUSD() < illiquidBelowUSD:
		return domain.RegimeIlliquid
	case snap.PriceSpread() > eventSpreadAbove:
		return domain.RegimeEvent
	default:
		return domain.RegimeCalm
	}
}

// Fallback builds the context used when inference is unavailable.
func Fallback(snap domain.MarketSnapshot) domain.RegimeContext {
	r := Classify(snap)
	sens := otherSensitivity
	if r == domain.RegimeCalm {
		sens = calmSensitivity
	}
	return domain.RegimeContext{
		Regime:         r,
		RiskFlags:      []string{domain.FlagModelUnavailable},
		Narrative:      fmt.Sprintf("Rule-based classification: %s.", r),
		SensitivityBps: sens,
		Confidence:     fallbackConfidence,
		Source:         domain.RegimeSourceFallback,
	}
}

// --------------------------------------------------------------------------
// Reply validation
// --------------------------------------------------------------------------

// reply is the JSON object the model is asked for.
type reply struct {
	Regime         string          `json:"regime"`
	RiskFlags      json.RawMessage `json:"riskFlags"`
	Narrative      string          `json:"narrative"`
	SensitivityBps *float64        `json:"sensitivityBps"`
	Confidence     *float64        `json:"confidence"`
}

// parseReply validates a model reply. Anything that is not a JSON object
// with a regime key is malformed and retried; recoverable defects are
// repaired in place.
func parseReply(content string, snap domain.MarketSnapshot) (domain.RegimeContext, error) {
	var raw map[string]json.RawMessage
	body := stripCodeFence(content)
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return domain.RegimeContext{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if _, ok := raw["regime"]; !ok {
		return domain.RegimeContext{}, fmt.Errorf("%w: missing regime", domain.ErrMalformedResponse)
	}
	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.RegimeContext{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	regime := domain.Regime(strings.ToLower(strings.TrimSpace(r.Regime)))
	if !regime.Valid() {
		regime = Classify(snap)
	}

	sens := otherSensitivity
	if regime == domain.RegimeCalm {
		sens = calmSensitivity
	}
	if r.SensitivityBps != nil {
		sens = arbmath.Clamp(*r.SensitivityBps, 0, maxSensitivityBps)
	}
	conf := 0.0
	if r.Confidence != nil {
		conf = arbmath.Clamp(*r.Confidence, 0, 1)
	}

	return domain.RegimeContext{
		Regime:         regime,
		RiskFlags:      parseFlags(r.RiskFlags),
		Narrative:      truncateRunes(strings.TrimSpace(r.Narrative), maxNarrativeRunes),
		SensitivityBps: sens,
		Confidence:     conf,
		Source:         domain.RegimeSourceInference,
	}, nil
}

// parseFlags returns the deduplicated non-empty flags, or an empty list when
// the value is not an array of strings.
func parseFlags(raw json.RawMessage) []string {
	var flags []string
	if len(raw) == 0 || json.Unmarshal(raw, &flags) != nil {
		return []string{}
	}
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// --------------------------------------------------------------------------
// Prompt
// --------------------------------------------------------------------------

const systemPrompt = `You classify short-horizon market regimes for a cross-venue arbitrage engine.
Reply with a single JSON object and nothing else:
{"regime": "calm"|"volatile"|"event"|"illiquid",
 "riskFlags": [string],
 "narrative": string (one or two sentences),
 "sensitivityBps": number between 0 and 100 (extra edge required before trading),
 "confidence": number between 0 and 1}`

type promptQuote struct {
	Venue    domain.Venue `json:"venue"`
	Price    float64      `json:"price"`
	DepthUSD float64      `json:"depthUsd"`
	FeeBps   float64      `json:"feeBps"`
}

type promptBody struct {
	Quotes         []promptQuote `json:"quotes"`
	TotalDepthUSD  float64       `json:"totalDepthUsd"`
	PriceSpreadPct float64       `json:"priceSpreadPct"`
	RefPriceUSD    *float64      `json:"refPriceUsd"`
	Volatility24h  *float64      `json:"volatility24hPct"`
	FundingRate    *float64      `json:"fundingRate"`
	WSLatencyMs    *float64      `json:"wsLatencyMs"`
	DataAgeMs      int64         `json:"dataAgeMs"`
}

// buildPrompt renders the snapshot as the user message. Unknown values are
// sent as null so the model can tell them apart from zero.
func buildPrompt(snap domain.MarketSnapshot, now time.Time) (string, error) {
	body := promptBody{
		Quotes:         make([]promptQuote, 0, len(snap.Quotes)),
		TotalDepthUSD:  snap.TotalDepthUSD(),
		PriceSpreadPct: snap.PriceSpread() * 100,
		RefPriceUSD:    finiteOrNil(snap.RefPriceUSD),
		Volatility24h:  finiteOrNil(snap.Volatility),
		FundingRate:    finiteOrNil(snap.Funding),
		WSLatencyMs:    finiteOrNil(snap.WSLatencyMs),
		DataAgeMs:      snap.Age(now).Milliseconds(),
	}
	for _, q := range snap.Quotes {
		body.Quotes = append(body.Quotes, promptQuote{
			Venue:    q.Venue,
			Price:    q.Price,
			DepthUSD: q.DepthUSD,
			FeeBps:   q.FeeBps,
		})
	}
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("regime: build prompt: %w", err)
	}
	return "Market snapshot:\n" + string(data), nil
}

// finiteOrNil keeps encoding/json from failing on NaN or Inf.
func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
