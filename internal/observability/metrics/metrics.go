// Package metrics exposes application-level prometheus instruments.
// Labels stay low-cardinality: provider names, outcome enums, nothing
// request-scoped.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline counters served on /metrics.
type Metrics struct {
	webhookReceived  *prometheus.CounterVec
	webhookProcessed *prometheus.CounterVec
	webhookFailed    *prometheus.CounterVec
	backfillRuns     prometheus.Counter
	backfillRetries  *prometheus.CounterVec
}

// New registers the instruments against reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		webhookReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_webhook_events_received_total",
			Help: "Webhook deliveries received, by provider.",
		}, []string{"provider"}),
		webhookProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_webhook_events_processed_total",
			Help: "Webhook deliveries processed, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		webhookFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_webhook_events_failed_total",
			Help: "Webhook deliveries rejected or failed, by provider and reason.",
		}, []string{"provider", "reason"}),
		backfillRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "storefront_backfill_runs_total",
			Help: "Entitlement backfill runs.",
		}),
		backfillRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_backfill_retries_total",
			Help: "Entitlement grant retries, by outcome.",
		}, []string{"outcome"}),
	}
}

// NewDefault registers against the global prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) RecordWebhookReceived(provider string) {
	if m == nil {
		return
	}
	m.webhookReceived.WithLabelValues(label(provider)).Inc()
}

func (m *Metrics) RecordWebhookProcessed(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookProcessed.WithLabelValues(label(provider), label(outcome)).Inc()
}

func (m *Metrics) RecordWebhookFailed(provider, reason string) {
	if m == nil {
		return
	}
	m.webhookFailed.WithLabelValues(label(provider), label(reason)).Inc()
}

func (m *Metrics) RecordBackfillRun() {
	if m == nil {
		return
	}
	m.backfillRuns.Inc()
}

func (m *Metrics) RecordBackfillRetry(outcome string) {
	if m == nil {
		return
	}
	m.backfillRetries.WithLabelValues(label(outcome)).Inc()
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
