// Package metrics provides Prometheus metrics for the gate service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager holds all Prometheus collectors. A custom registry keeps the
// scrape output free of default Go runtime noise.
type Manager struct {
	registry *prometheus.Registry

	decisions         *prometheus.CounterVec
	qualityRejections *prometheus.CounterVec
	checkins          prometheus.Counter
	busyRefusals      prometheus.Counter
	embedLatency      prometheus.Histogram
	admissionDepth    prometheus.Gauge
	enrollQueueDepth  prometheus.Gauge
	templateCount     prometheus.Gauge
}

// NewManager creates a metrics manager with its own registry.
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	m := &Manager{registry: registry}

	m.decisions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "decisions_total",
		Help:      "Gate decisions by outcome and reason",
	}, []string{"decision", "reason"})

	m.qualityRejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "quality_rejections_total",
		Help:      "Captures rejected before reaching the embedding model",
	}, []string{"reason"})

	m.checkins = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "checkins_total",
		Help:      "Tickets consumed by a successful admission",
	})

	m.busyRefusals = auto.NewCounter(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "busy_refusals_total",
		Help:      "Requests refused because the admission queue was full",
	})

	m.embedLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "embed_latency_seconds",
		Help:      "Model service round-trip time per embedding",
		Buckets:   prometheus.DefBuckets,
	})

	m.admissionDepth = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "admission_queue_depth",
		Help:      "Verification requests waiting for an embedding worker",
	})

	m.enrollQueueDepth = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "enroll_queue_depth",
		Help:      "Captures waiting for auto-enrollment",
	})

	m.templateCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "templates_live",
		Help:      "Live face templates in the store",
	})

	return m
}

// RecordDecision counts one gate decision. reason is empty on accept.
func (m *Manager) RecordDecision(decision, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(decision, reason).Inc()
}

// RecordQualityRejection counts a capture thrown out by the quality gate.
func (m *Manager) RecordQualityRejection(reason string) {
	m.qualityRejections.WithLabelValues(reason).Inc()
}

// RecordCheckIn counts a consumed ticket.
func (m *Manager) RecordCheckIn() {
	m.checkins.Inc()
}

// RecordBusy counts a fast-fail refusal.
func (m *Manager) RecordBusy() {
	m.busyRefusals.Inc()
}

// ObserveEmbedLatency records one model round trip.
func (m *Manager) ObserveEmbedLatency(d time.Duration) {
	m.embedLatency.Observe(d.Seconds())
}

// SetAdmissionDepth updates the admission queue depth gauge.
func (m *Manager) SetAdmissionDepth(n int) {
	m.admissionDepth.Set(float64(n))
}

// SetEnrollQueueDepth updates the auto-enrollment queue depth gauge.
func (m *Manager) SetEnrollQueueDepth(n int) {
	m.enrollQueueDepth.Set(float64(n))
}

// SetTemplateCount updates the live template gauge.
func (m *Manager) SetTemplateCount(n int) {
	m.templateCount.Set(float64(n))
}

// Handler returns the scrape endpoint handler.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
