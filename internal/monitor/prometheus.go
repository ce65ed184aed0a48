package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors the Monitor's rolling stats as Prometheus
// gauges, for services that want an external scrape endpoint alongside
// the go-metrics-backed internal view. Grounded on the DOMAIN STACK
// wiring of github.com/prometheus/client_golang (an indirect dependency
// of both the teacher and ghjramos-aistore in the retrieval pack).
type PrometheusExporter struct {
	monitor *Monitor

	responseTimeAvg prometheus.Gauge
	responseTimeP95 prometheus.Gauge
	responseTimeP99 prometheus.Gauge
	requestRate     prometheus.Gauge
}

// NewPrometheusExporter registers its gauges on reg (typically
// prometheus.NewRegistry(), not the global DefaultRegisterer, so multiple
// Monitors in tests don't collide).
func NewPrometheusExporter(m *Monitor, reg prometheus.Registerer, namespace string) *PrometheusExporter {
	e := &PrometheusExporter{
		monitor: m,
		responseTimeAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "response_time", Name: "average_ms",
		}),
		responseTimeP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "response_time", Name: "p95_ms",
		}),
		responseTimeP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "response_time", Name: "p99_ms",
		}),
		requestRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "request_rate_per_second",
		}),
	}
	reg.MustRegister(e.responseTimeAvg, e.responseTimeP95, e.responseTimeP99, e.requestRate)
	return e
}

// Collect refreshes every gauge from the Monitor's current snapshot. The
// caller is responsible for calling this on its own schedule (this package
// does not own a ticker).
func (e *PrometheusExporter) Collect() {
	snap := e.monitor.ResponseTimeSnapshot()
	e.responseTimeAvg.Set(snap.Average)
	e.responseTimeP95.Set(snap.P95)
	e.responseTimeP99.Set(snap.P99)
	e.requestRate.Set(e.monitor.RequestRate())
}
