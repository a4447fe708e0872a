// Package metrics provides Prometheus metrics for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	GatewayRequestsTotal *prometheus.CounterVec
	GatewayDuration      *prometheus.HistogramVec
	MessagesSentTotal    *prometheus.CounterVec
	CacheFallbacksTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapcoach_gateway_requests_total",
				Help: "Total gateway requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zapcoach_gateway_request_duration_seconds",
				Help:    "Gateway request duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapcoach_messages_sent_total",
				Help: "Messages dispatched to the gateway by result.",
			},
			[]string{"result"},
		),
		CacheFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapcoach_cache_fallbacks_total",
				Help: "Fetches served from the local cache after a gateway failure, by namespace kind.",
			},
			[]string{"kind"},
		),
		registry: reg,
	}

	reg.MustRegister(m.GatewayRequestsTotal)
	reg.MustRegister(m.GatewayDuration)
	reg.MustRegister(m.MessagesSentTotal)
	reg.MustRegister(m.CacheFallbacksTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordGatewayRequest increments the request counter and observes duration.
func (m *Metrics) RecordGatewayRequest(method, outcome string, seconds float64) {
	m.GatewayRequestsTotal.WithLabelValues(method, outcome).Inc()
	m.GatewayDuration.WithLabelValues(method).Observe(seconds)
}

// RecordSend increments the dispatched-message counter.
func (m *Metrics) RecordSend(result string) {
	m.MessagesSentTotal.WithLabelValues(result).Inc()
}

// RecordCacheFallback increments the cache-fallback counter.
func (m *Metrics) RecordCacheFallback(kind string) {
	m.CacheFallbacksTotal.WithLabelValues(kind).Inc()
}
