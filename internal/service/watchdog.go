package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/metrics"
)

// Reasons a Watchdog pauses trading.
const (
	PauseStaleTicks = "stale_ticks"
	PauseErrorRate  = "error_rate"
	PauseGasCap     = "gas_cap"
)

const defaultWatchdogWindow = time.Minute

// WatchdogConfig holds the health thresholds. A zero threshold disables its
// check.
type WatchdogConfig struct {
	// StaleAfter pauses trading when no stream event has arrived for this
	// long. It is judged only after the first event, so an engine running
	// without a stream is never stale.
	StaleAfter time.Duration
	// MaxErrorRate is the highest tolerated errors/(ticks+errors) over
	// Window.
	MaxErrorRate float64
	// MinSamples is how many ticks plus errors Window must hold before the
	// error rate is judged.
	MinSamples int
	// MaxGasUSD is compared against the uncapped gas cost.
	MaxGasUSD float64
	// Window bounds the error-rate sample. Zero means one minute.
	Window time.Duration
}

// Watchdog pauses trading when market data goes stale, upstream errors
// pile up or gas becomes too expensive. It is fed by the stream hooks and
// by evaluations. A nil *Watchdog never pauses.
type Watchdog struct {
	cfg     WatchdogConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	ticks    []time.Time
	errs     []time.Time
	lastTick time.Time
	gasUSD   float64
	paused   bool
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(cfg WatchdogConfig, m *metrics.Metrics, logger *slog.Logger) *Watchdog {
	if cfg.Window <= 0 {
		cfg.Window = defaultWatchdogWindow
	}
	return &Watchdog{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "watchdog")),
		now:     time.Now,
	}
}

// RecordTick notes one inbound stream event.
func (w *Watchdog) RecordTick() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.lastTick = now
	w.ticks = append(w.ticks, now)
	w.trim(now)
}

// RecordError notes one upstream failure.
func (w *Watchdog) RecordError() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.errs = append(w.errs, now)
	w.trim(now)
}

// ObserveGas stores the latest uncapped gas cost.
func (w *Watchdog) ObserveGas(rawUSD float64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.gasUSD = rawUSD
	w.mu.Unlock()
}

// Status evaluates every check. Pause and resume transitions are logged
// and exported.
func (w *Watchdog) Status() domain.TradingHealth {
	if w == nil {
		return domain.TradingHealth{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.trim(now)

	st := domain.TradingHealth{
		TicksInWindow:  len(w.ticks),
		ErrorsInWindow: len(w.errs),
		GasUSD:         w.gasUSD,
	}
	if !w.lastTick.IsZero() {
		last := w.lastTick
		st.LastTickAt = &last
		if w.cfg.StaleAfter > 0 && now.Sub(last) > w.cfg.StaleAfter {
			st.Reasons = append(st.Reasons, PauseStaleTicks)
		}
	}
	if samples := len(w.ticks) + len(w.errs); w.cfg.MaxErrorRate > 0 && samples > 0 && samples >= w.cfg.MinSamples {
		if float64(len(w.errs))/float64(samples) > w.cfg.MaxErrorRate {
			st.Reasons = append(st.Reasons, PauseErrorRate)
		}
	}
	if w.cfg.MaxGasUSD > 0 && w.gasUSD > w.cfg.MaxGasUSD {
		st.Reasons = append(st.Reasons, PauseGasCap)
	}
	st.Paused = len(st.Reasons) > 0

	if st.Paused != w.paused {
		w.paused = st.Paused
		w.metrics.ObservePaused(st.Paused)
		if st.Paused {
			w.logger.Warn("trading paused", slog.Any("reasons", st.Reasons))
		} else {
			w.logger.Info("trading resumed")
		}
	}
	return st
}

// trim drops samples older than the window. Callers hold mu.
func (w *Watchdog) trim(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	w.ticks = dropBefore(w.ticks, cutoff)
	w.errs = dropBefore(w.errs, cutoff)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
