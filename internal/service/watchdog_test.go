package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/arbeval/internal/metrics"
)

func newTestWatchdog(cfg WatchdogConfig, m *metrics.Metrics) (*Watchdog, *time.Time) {
	now := evalAt
	w := NewWatchdog(cfg, m, discardLogger())
	w.now = func() time.Time { return now }
	return w, &now
}

func TestWatchdogStaleTicks(t *testing.T) {
	w, now := newTestWatchdog(WatchdogConfig{StaleAfter: 3 * time.Second}, nil)

	assert.False(t, w.Status().Paused, "no stream yet is not stale")

	w.RecordTick()
	*now = now.Add(2 * time.Second)
	assert.False(t, w.Status().Paused)

	*now = now.Add(2 * time.Second)
	st := w.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, []string{PauseStaleTicks}, st.Reasons)
	assert.Equal(t, evalAt, *st.LastTickAt)

	w.RecordTick()
	assert.False(t, w.Status().Paused)
}

func TestWatchdogErrorRate(t *testing.T) {
	m := metrics.New()
	w, now := newTestWatchdog(WatchdogConfig{MaxErrorRate: 0.2, MinSamples: 5, Window: 10 * time.Second}, m)

	w.RecordError()
	w.RecordError()
	assert.False(t, w.Status().Paused, "below the minimum sample")

	for range 3 {
		w.RecordTick()
	}
	st := w.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, []string{PauseErrorRate}, st.Reasons)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradingPaused))

	// The errors age out of the window; fresh ticks keep the sample large
	// enough to judge.
	*now = now.Add(11 * time.Second)
	for range 5 {
		w.RecordTick()
	}
	st = w.Status()
	assert.False(t, st.Paused)
	assert.Equal(t, 0, st.ErrorsInWindow)
	assert.Equal(t, 5, st.TicksInWindow)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TradingPaused))
}

func TestWatchdogGasCap(t *testing.T) {
	w, _ := newTestWatchdog(WatchdogConfig{MaxGasUSD: 20}, nil)

	w.ObserveGas(19.5)
	assert.False(t, w.Status().Paused)

	w.ObserveGas(25)
	st := w.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, []string{PauseGasCap}, st.Reasons)
	assert.Equal(t, 25.0, st.GasUSD)
}

func TestWatchdogCombinesReasons(t *testing.T) {
	w, now := newTestWatchdog(WatchdogConfig{StaleAfter: time.Second, MaxErrorRate: 0.1, MaxGasUSD: 1}, nil)
	w.RecordTick()
	w.RecordError()
	w.ObserveGas(3)
	*now = now.Add(5 * time.Second)

	st := w.Status()
	assert.Equal(t, []string{PauseStaleTicks, PauseErrorRate, PauseGasCap}, st.Reasons)
}

func TestNilWatchdogNeverPauses(t *testing.T) {
	var w *Watchdog
	w.RecordTick()
	w.RecordError()
	w.ObserveGas(1e9)
	assert.False(t, w.Status().Paused)
}
