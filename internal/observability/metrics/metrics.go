// Package metrics exposes Prometheus instrumentation for the analysis and
// credit pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	registry *prometheus.Registry

	debits         *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	orphansSkipped prometheus.Counter
	cacheRequests  *prometheus.CounterVec
	lockAttempts   *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	debitLatency   prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veredix_credit_debits_total",
			Help: "Credit debit attempts by outcome.",
		}, []string{"result"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veredix_credit_refunds_total",
			Help: "Credit refund attempts by outcome.",
		}, []string{"result"}),
		orphansSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veredix_credit_refund_orphans_skipped_total",
			Help: "Debit transactions acknowledged in a refund without balance restoration.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veredix_analysis_cache_requests_total",
			Help: "Analysis cache lookups by outcome (hit, miss, stale).",
		}, []string{"result"}),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veredix_analysis_lock_acquisitions_total",
			Help: "Analysis lock acquisition attempts by outcome (acquired, contended).",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veredix_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome (processed, duplicate).",
		}, []string{"result"}),
		debitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veredix_credit_debit_duration_seconds",
			Help:    "Wall time of the atomic debit transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.debits,
		m.refunds,
		m.orphansSkipped,
		m.cacheRequests,
		m.lockAttempts,
		m.webhookEvents,
		m.debitLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordDebit(result string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOrphanSkipped() {
	if m == nil {
		return
	}
	m.orphansSkipped.Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLockAttempt(result string) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDebitDuration(seconds float64) {
	if m == nil {
		return
	}
	m.debitLatency.Observe(seconds)
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
