// Package metrics exposes Prometheus collectors for provider calls and the refresh loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements azdo.Observer and refresh.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	running  prometheus.Gauge
	ticks    prometheus.Counter
	reports  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipescope",
			Subsystem: "azdo",
			Name:      "requests_total",
			Help:      "Provider requests by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipescope",
			Subsystem: "azdo",
			Name:      "request_duration_seconds",
			Help:      "Provider request latency per attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipescope",
			Subsystem: "azdo",
			Name:      "retries_total",
			Help:      "Provider request retries by method.",
		}, []string{"method"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipescope",
			Subsystem: "refresh",
			Name:      "running",
			Help:      "1 while auto refresh is running.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipescope",
			Subsystem: "refresh",
			Name:      "ticks_total",
			Help:      "Auto refresh ticks fired.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipescope",
			Subsystem: "tree",
			Name:      "errors_total",
			Help:      "Errors reported at the tree boundary by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.requests, m.latency, m.retries, m.running, m.ticks, m.reports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(method string) {
	m.retries.WithLabelValues(method).Inc()
}

func (m *Metrics) RefreshState(running bool) {
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}

func (m *Metrics) RefreshTick() { m.ticks.Inc() }

// Report counts an error swallowed at the tree boundary.
func (m *Metrics) Report(op string, _ error) {
	m.reports.WithLabelValues(op).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
