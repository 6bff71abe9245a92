// Package metrics exposes the broker's Prometheus collectors on a private
// registry so the /metrics endpoint never leaks default-registry noise.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskbridge"

// Metrics holds every collector the broker records into. One instance is
// created at startup and threaded through the components.
type Metrics struct {
	registry *prometheus.Registry

	// Coordinator.
	CoordinationsTotal *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Fleet.
	BotRequests    *prometheus.CounterVec
	BotLoadScore   *prometheus.GaugeVec
	FleetAvailable prometheus.Gauge

	// Queue.
	QueueDepth *prometheus.GaugeVec

	// Rate limiting.
	RateLimitDecisions *prometheus.CounterVec

	// Store cache.
	CacheOps *prometheus.CounterVec

	// Failover.
	FailoversTotal *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.CoordinationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "coordinations_total",
			Help:      "Inbound updates by coordination outcome",
		},
		[]string{"outcome"},
	)

	m.ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "processing_duration_seconds",
			Help:      "Queue message processing duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"result"},
	)

	m.BotRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "bot_requests_total",
			Help:      "Outbound platform requests by bot and result",
		},
		[]string{"bot", "result"},
	)

	m.BotLoadScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "bot_load_score",
			Help:      "Current load score per bot (lower is better)",
		},
		[]string{"bot"},
	)

	m.FleetAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "available_bots",
			Help:      "Number of bots currently eligible for dispatch",
		},
	)

	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages per logical queue",
		},
		[]string{"queue"},
	)

	m.RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by rule and verdict",
		},
		[]string{"rule", "verdict"},
	)

	m.CacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "ops_total",
			Help:      "Store cache hits, misses and evictions",
		},
		[]string{"cache", "op"},
	)

	m.FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failover",
			Name:      "events_total",
			Help:      "Failover events by failed bot",
		},
		[]string{"bot"},
	)

	m.registry.MustRegister(
		m.CoordinationsTotal,
		m.ProcessingDuration,
		m.BotRequests,
		m.BotLoadScore,
		m.FleetAvailable,
		m.QueueDepth,
		m.RateLimitDecisions,
		m.CacheOps,
		m.FailoversTotal,
	)
	return m
}

// Registry exposes the private registry for additional registrations.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
