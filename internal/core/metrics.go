package core

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripbilling/internal/types"
)

// countLabels are the fixed label names of the domain counter. Dimensions
// outside this set are dropped.
var countLabels = []struct {
	dim   string
	label string
}{
	{types.DimOutcome, "outcome"},
	{types.DimEventType, "event_type"},
	{types.DimTask, "task"},
	{types.DimProvider, "provider"},
}

var (
	_ MetricsCollector      = (*PrometheusMetrics)(nil)
	_ types.MetricsRecorder = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics serves API request metrics and the domain counters on a
// private registry exposed through Handler.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	latency  *prometheus.HistogramVec
	requests *prometheus.CounterVec
	counts   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors under namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	labels := []string{"metric"}
	for _, l := range countLabels {
		labels = append(labels, l.label)
	}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status.",
		}, []string{"method", "endpoint", "status"}),
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Billing domain counters (webhooks, conflicts, sweeps).",
		}, labels),
	}
	m.registry.MustRegister(
		m.latency,
		m.requests,
		m.counts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRequest implements MetricsCollector.
func (m *PrometheusMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.latency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.requests.WithLabelValues(method, endpoint, status).Inc()
}

// RecordCount implements types.MetricsRecorder. Negative values are ignored
// since counters only go up.
func (m *PrometheusMetrics) RecordCount(_ context.Context, metric string, value float64, dims map[string]string) {
	if value < 0 {
		return
	}
	values := make([]string, 0, len(countLabels)+1)
	values = append(values, metric)
	for _, l := range countLabels {
		values = append(values, dims[l.dim])
	}
	m.counts.WithLabelValues(values...).Add(value)
}

// Handler exposes the registry in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
