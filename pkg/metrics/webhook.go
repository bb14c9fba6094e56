package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook outcomes recorded per delivery.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeIgnored    = "ignored"
	OutcomeUnresolved = "unresolved"
	OutcomeFailed     = "failed"
)

// WebhookMetrics records Stripe webhook processing.
type WebhookMetrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	stale    *prometheus.CounterVec
}

// NewWebhookMetrics registers the webhook metrics on the provided registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stripe_webhook_events_total",
		Help: "Stripe webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stripe_webhook_duration_seconds",
		Help:    "Time spent processing a Stripe webhook event.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	stale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stripe_webhook_stale_updates_total",
		Help: "Plan updates skipped because a newer event was already applied.",
	}, []string{"event_type"})
	reg.MustRegister(events, duration, stale)
	return &WebhookMetrics{
		events:   events,
		duration: duration,
		stale:    stale,
	}
}

// ObserveEvent records the outcome and duration of one delivery.
func (w *WebhookMetrics) ObserveEvent(eventType, outcome string, duration time.Duration) {
	if w == nil || w.events == nil {
		return
	}
	label := normalizeLabel(eventType)
	w.events.WithLabelValues(label, normalizeLabel(outcome)).Inc()
	w.duration.WithLabelValues(label).Observe(duration.Seconds())
}

// IncStale counts a plan update rejected by the ordering guard.
func (w *WebhookMetrics) IncStale(eventType string) {
	if w == nil || w.stale == nil {
		return
	}
	w.stale.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
