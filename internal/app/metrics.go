package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of the billing processes. Every
// method is safe on a nil receiver so services can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequests   *prometheus.CounterVec
	WebhookProcessed  *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	WebhooksReclaimed prometheus.Counter
	Renewals          *prometheus.CounterVec
}

// NewMetrics creates the collectors on their own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_requests_total",
			Help:      "Webhook HTTP requests by gateway outcome",
		}, []string{"outcome"}),
		WebhookProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_processed_total",
			Help:      "Webhook processing attempts by event type and outcome",
		}, []string{"event_type", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "webhook_handler_duration_seconds",
			Help:      "Duration of business handler transactions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		WebhooksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_reclaimed_total",
			Help:      "Webhook events reset to QUEUED by the reclaimer",
		}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "renewals_total",
			Help:      "Renewal candidates by result",
		}, []string{"result"}),
	}

	reg.MustRegister(m.WebhookRequests, m.WebhookProcessed, m.HandlerDuration, m.WebhooksReclaimed, m.Renewals)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) gatewayOutcome(outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) processed(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookProcessed.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) observeHandler(eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) reclaimed(n int) {
	if m == nil {
		return
	}
	m.WebhooksReclaimed.Add(float64(n))
}

func (m *Metrics) renewal(result string) {
	if m == nil {
		return
	}
	m.Renewals.WithLabelValues(result).Inc()
}
