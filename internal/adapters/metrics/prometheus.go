// Package metrics exposes lifecycle and SEFAZ metrics in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nfpe"

// Metrics owns a private registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	sefazRequests   *prometheus.CounterVec
	sefazDuration   *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	importResults   *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_transitions_total",
			Help:      "Lifecycle transitions by target status.",
		}, []string{"status"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Duration of one process run by final status.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		sefazRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sefaz",
			Name:      "requests_total",
			Help:      "SEFAZ round trips by operation and outcome.",
		}, []string{"operation", "outcome"}),
		sefazDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sefaz",
			Name:      "request_duration_seconds",
			Help:      "SEFAZ round trip latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Document ids waiting for a worker.",
		}),
		importResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "erp",
			Name:      "import_movements_total",
			Help:      "ERP movements seen by the import job, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.processDuration,
		m.sefazRequests,
		m.sefazDuration,
		m.queueDepth,
		m.importResults,
	)
	return m
}

// ObserveRequest records one SEFAZ round trip.
func (m *Metrics) ObserveRequest(operation, outcome string, elapsed time.Duration) {
	m.sefazRequests.WithLabelValues(operation, outcome).Inc()
	m.sefazDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Transition counts a document entering status.
func (m *Metrics) Transition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

// ObserveProcess records how long a process run took to reach status.
func (m *Metrics) ObserveProcess(status string, elapsed time.Duration) {
	m.processDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ImportResult adds n movements to result (found, created, skipped, error).
func (m *Metrics) ImportResult(result string, n int) {
	if n > 0 {
		m.importResults.WithLabelValues(result).Add(float64(n))
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
