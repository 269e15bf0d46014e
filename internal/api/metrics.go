package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts quote decisions for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	idempotencyHits prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqua_quote_decisions_total",
			Help: "Quote decisions by outcome (accepted, rejected, cached).",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqua_quote_rejections_total",
			Help: "Quote rejections by canonical reason.",
		}, []string{"reason"}),
		idempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aqua_idempotency_hits_total",
			Help: "Quote requests served from the idempotency cache.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aqua_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	m.registry.MustRegister(m.decisions, m.rejections, m.idempotencyHits, m.requestDuration)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordAccepted() { m.decisions.WithLabelValues("accepted").Inc() }

func (m *Metrics) RecordCached() {
	m.decisions.WithLabelValues("cached").Inc()
	m.idempotencyHits.Inc()
}

func (m *Metrics) RecordRejected(reason string) {
	m.decisions.WithLabelValues("rejected").Inc()
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDuration(endpoint string, seconds float64) {
	m.requestDuration.WithLabelValues(endpoint).Observe(seconds)
}
