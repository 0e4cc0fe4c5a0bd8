// Package metrics exposes the engine's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// Evaluation outcomes.
const (
	OutcomeTrade      = "trade"
	OutcomeNoTrade    = "no_trade"
	OutcomeInvalid    = "invalid"
	OutcomeUpstream   = "upstream_error"
	OutcomeOtherError = "error"
)

// Metrics holds every collector. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	FeedRTTMs         prometheus.Gauge
	FeedState         prometheus.Gauge
	FeedReconnects    prometheus.Counter
	FeedGivenUp       prometheus.Counter
	FeedEvents        *prometheus.CounterVec
	Evaluations       *prometheus.CounterVec
	EvaluationSeconds prometheus.Histogram
	RegimeSource      *prometheus.CounterVec
	DegradedFetches   *prometheus.CounterVec
	SizeUSD           prometheus.Histogram
	NetProfitUSD      prometheus.Histogram
	HTTPDuration      *prometheus.HistogramVec
	TradingPaused     prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FeedRTTMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbeval_feed_rtt_ms", Help: "Last heartbeat round trip on the quote stream",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbeval_feed_state", Help: "Quote stream state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 given up)",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbeval_feed_reconnect_attempts_total", Help: "Automatic reconnect attempts",
		}),
		FeedGivenUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbeval_feed_given_up_total", Help: "Times the stream exhausted its reconnect budget",
		}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbeval_feed_events_total", Help: "Inbound stream events by type",
		}, []string{"type"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbeval_evaluations_total", Help: "Opportunity evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbeval_evaluation_seconds",
			Help:    "Wall time of one opportunity evaluation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		RegimeSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbeval_regime_contexts_total", Help: "Regime contexts by source and regime",
		}, []string{"source", "regime"}),
		DegradedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbeval_degraded_fetches_total", Help: "Advisory upstream calls absorbed after failing",
		}, []string{"upstream"}),
		SizeUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbeval_opportunity_size_usd",
			Help:    "Recommended notional per evaluation",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}),
		NetProfitUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbeval_opportunity_net_profit_usd",
			Help:    "Net profit per evaluation",
			Buckets: prometheus.LinearBuckets(-50, 5, 41),
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbeval_http_request_duration_seconds",
			Help:    "Boundary HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		TradingPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbeval_trading_paused", Help: "1 while the health watchdog suppresses trade decisions",
		}),
	}
	m.reg.MustRegister(
		m.FeedRTTMs, m.FeedState, m.FeedReconnects, m.FeedGivenUp, m.FeedEvents,
		m.Evaluations, m.EvaluationSeconds, m.RegimeSource, m.DegradedFetches,
		m.SizeUSD, m.NetProfitUSD, m.HTTPDuration, m.TradingPaused,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveFeedState records a stream transition.
func (m *Metrics) ObserveFeedState(from, to domain.FeedState, attempt int) {
	if m == nil {
		return
	}
	m.FeedState.Set(float64(to))
	if to == domain.FeedReconnecting && attempt > 0 {
		m.FeedReconnects.Inc()
	}
	if to == domain.FeedGivenUp && from != domain.FeedGivenUp {
		m.FeedGivenUp.Inc()
	}
}

// ObserveFeedLatency records a heartbeat round trip.
func (m *Metrics) ObserveFeedLatency(ms float64) {
	if m == nil {
		return
	}
	m.FeedRTTMs.Set(ms)
}

// ObserveFeedEvent counts an inbound stream event.
func (m *Metrics) ObserveFeedEvent(ev domain.FeedEvent) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(ev.Type).Inc()
}

// ObserveEvaluation records one finished evaluation.
func (m *Metrics) ObserveEvaluation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
	m.EvaluationSeconds.Observe(elapsed.Seconds())
}

// ObserveOpportunity records the sizing result of a successful evaluation.
func (m *Metrics) ObserveOpportunity(opp domain.Opportunity) {
	if m == nil {
		return
	}
	m.RegimeSource.WithLabelValues(string(opp.Context.Source), string(opp.Context.Regime)).Inc()
	m.SizeUSD.Observe(opp.Optimization.SizeUSD)
	m.NetProfitUSD.Observe(opp.Optimization.NetProfitUSD)
}

// ObservePaused records the watchdog's pause state.
func (m *Metrics) ObservePaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.TradingPaused.Set(1)
	} else {
		m.TradingPaused.Set(0)
	}
}

// ObserveDegraded counts an absorbed advisory failure.
func (m *Metrics) ObserveDegraded(upstream string) {
	if m == nil {
		return
	}
	m.DegradedFetches.WithLabelValues(upstream).Inc()
}

// ObserveHTTP records one served request. route is the matched mux pattern.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
