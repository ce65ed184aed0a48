// Package monitor implements Basic Monitoring of spec.md §4.11
// (component C11): rolling response-time samples, a trailing-60s request
// rate, and a cooldown-limited alert manager. Grounded on the teacher's
// stats.Uint64Val/stats.Average atomics (secondary/dataport/endpoint.go)
// generalized from per-endpoint DCP counters to per-core health metrics,
// backed by github.com/rcrowley/go-metrics (a direct teacher dependency)
// for the rolling sample/percentile machinery and
// github.com/prometheus/client_golang for external scrape exposition.
package monitor

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/comsrv/edge-core/internal/logging"
)

// rollingWindow is the sample size for response-time percentiles, per
// spec.md §4.11.
const rollingWindow = 1000

// requestRateWindow is the trailing window for request-rate computation.
const requestRateWindow = 60 * time.Second

// ResponseTimeStats is the avg/p95/p99 snapshot of spec.md §4.11.
type ResponseTimeStats struct {
	Average float64
	P95     float64
	P99     float64
	Count   int64
}

// Monitor is the Basic Monitoring component. One Monitor is shared across
// the service; channels and subsystems report samples into it.
type Monitor struct {
	responseTimes metrics.Histogram

	mu           sync.Mutex
	requestTimes []time.Time // trailing 60s of request timestamps, pruned lazily

	alerts *AlertManager
	log    *logging.Logger
}

// New constructs a Monitor with a uniform-sample histogram of size
// rollingWindow, matching go-metrics' NewUniformSample (teacher's choice
// for bounded-memory rolling statistics).
func New() *Monitor {
	return &Monitor{
		responseTimes: metrics.NewHistogram(metrics.NewUniformSample(rollingWindow)),
		alerts:        NewAlertManager(),
		log:           logging.Named("monitor"),
	}
}

// RecordResponseTime adds one latency sample (in milliseconds) and counts
// one request toward the trailing-60s rate.
func (m *Monitor) RecordResponseTime(d time.Duration) {
	m.responseTimes.Update(d.Milliseconds())

	m.mu.Lock()
	m.requestTimes = append(m.requestTimes, time.Now())
	m.pruneLocked()
	m.mu.Unlock()
}

func (m *Monitor) pruneLocked() {
	cutoff := time.Now().Add(-requestRateWindow)
	i := 0
	for i < len(m.requestTimes) && m.requestTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.requestTimes = m.requestTimes[i:]
	}
}

// ResponseTimeSnapshot returns the current rolling response-time stats.
func (m *Monitor) ResponseTimeSnapshot() ResponseTimeStats {
	snap := m.responseTimes.Snapshot()
	percentiles := snap.Percentiles([]float64{0.95, 0.99})
	return ResponseTimeStats{
		Average: snap.Mean(),
		P95:     percentiles[0],
		P99:     percentiles[1],
		Count:   snap.Count(),
	}
}

// RequestRate returns requests-per-second over the trailing 60s window.
func (m *Monitor) RequestRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.requestTimes) == 0 {
		return 0
	}
	return float64(len(m.requestTimes)) / requestRateWindow.Seconds()
}

// Alerts exposes the shared AlertManager for rule registration and
// evaluation.
func (m *Monitor) Alerts() *AlertManager { return m.alerts }
