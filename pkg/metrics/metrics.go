// Package metrics exposes Prometheus collectors for webhook ingestion, grant
// lifecycle and checkout creation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billsync"

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	grantsIssued    *prometheus.CounterVec
	grantsExpired   prometheus.Counter
	sweepFailures   prometheus.Counter
	checkouts       *prometheus.CounterVec
}

// New creates a registry with Go and process collectors plus the service metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway"}),
		grantsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_issued_total",
			Help:      "Grants issued by counter.",
		}, []string{"counter"}),
		grantsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_expired_total",
			Help:      "Grants expired by the sweeper.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Grants the sweeper failed to expire.",
		}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions by gateway and mode.",
		}, []string{"gateway", "mode"}),
	}
	reg.MustRegister(m.webhooks, m.webhookDuration, m.grantsIssued, m.grantsExpired, m.sweepFailures, m.checkouts)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveWebhook(gateway, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(gateway, outcome).Inc()
	m.webhookDuration.WithLabelValues(gateway).Observe(took.Seconds())
}

func (m *Metrics) GrantIssued(counter string) {
	if m == nil {
		return
	}
	m.grantsIssued.WithLabelValues(counter).Inc()
}

func (m *Metrics) SweepResult(expired, failed int) {
	if m == nil {
		return
	}
	m.grantsExpired.Add(float64(expired))
	m.sweepFailures.Add(float64(failed))
}

func (m *Metrics) CheckoutCreated(gateway, mode string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(gateway, mode).Inc()
}
