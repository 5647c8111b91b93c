/**
 * @description
 * This file implements the Monitor, the injected metrics and alerting sink for
 * the ledger-service. It replaces process-wide singleton counters with an
 * instance holding a dedicated Prometheus registry plus in-process atomics for
 * threshold evaluation, and exposes a read-only snapshot for the health
 * endpoint and for tests.
 *
 * Escalation rules:
 * - webhook failure count for an event type crosses the configured threshold
 *   -> high-severity alert
 * - reconciliation run errors cross the configured threshold -> high-severity
 *   alert with the computed error rate
 * - any critical error (compensating refund failure) -> immediate critical
 *   alert, independent of counters
 *
 * Alert delivery is fire-and-forget through the notifier; it never blocks the
 * financial path.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/pkg/slackhook"
	"github.com/prometheus/client_golang/prometheus"
)

// Monitor aggregates counters from the intake, finalizer, and sweeper and
// raises alerts when thresholds are crossed.
type Monitor struct {
	registry *prometheus.Registry
	notifier slackhook.Notifier

	webhookSuccessVec *prometheus.CounterVec
	webhookFailureVec *prometheus.CounterVec
	reconErrorsTotal  prometheus.Counter
	reconFixedTotal   prometheus.Counter
	criticalTotal     prometheus.Counter
	processingSeconds prometheus.Histogram

	webhookFailureThreshold int64
	reconErrorThreshold     int

	mu               sync.Mutex
	failuresByEvent  map[string]int64
	alertedEvents    map[string]bool
	webhookSuccesses atomic.Int64
	webhookFailures  atomic.Int64
	reconErrors      atomic.Int64
	criticalErrors   atomic.Int64
	processingMillis atomic.Int64
	processedCount   atomic.Int64
}

// NewMonitor creates a Monitor with its own Prometheus registry.
func NewMonitor(notifier slackhook.Notifier, webhookFailureThreshold int64, reconErrorThreshold int) *Monitor {
	registry := prometheus.NewRegistry()

	m := &Monitor{
		registry:                registry,
		notifier:                notifier,
		webhookFailureThreshold: webhookFailureThreshold,
		reconErrorThreshold:     reconErrorThreshold,
		failuresByEvent:         make(map[string]int64),
		alertedEvents:           make(map[string]bool),
		webhookSuccessVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_webhook_success_total",
			Help: "Payment webhook events processed successfully, by event type.",
		}, []string{"event_type"}),
		webhookFailureVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_webhook_failure_total",
			Help: "Payment webhook events that failed processing, by event type.",
		}, []string{"event_type"}),
		reconErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconciliation_errors_total",
			Help: "Errors encountered across reconciliation sweeps.",
		}),
		reconFixedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconciliation_fixed_total",
			Help: "Discrepancies auto-repaired by the reconciliation sweeper.",
		}),
		criticalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_critical_errors_total",
			Help: "Critical errors requiring human intervention.",
		}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_webhook_processing_seconds",
			Help:    "Payment webhook processing duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.webhookSuccessVec,
		m.webhookFailureVec,
		m.reconErrorsTotal,
		m.reconFixedTotal,
		m.criticalTotal,
		m.processingSeconds,
	)

	return m
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWebhookSuccess records one successfully processed webhook event.
func (m *Monitor) RecordWebhookSuccess(eventType string, elapsed time.Duration) {
	m.webhookSuccessVec.WithLabelValues(eventType).Inc()
	m.processingSeconds.Observe(elapsed.Seconds())
	m.webhookSuccesses.Add(1)
	m.processingMillis.Add(elapsed.Milliseconds())
	m.processedCount.Add(1)
}

// RecordWebhookFailure records one failed webhook event and escalates when the
// per-event-type failure count crosses the threshold.
func (m *Monitor) RecordWebhookFailure(ctx context.Context, eventType string) {
	m.webhookFailureVec.WithLabelValues(eventType).Inc()
	m.webhookFailures.Add(1)

	m.mu.Lock()
	m.failuresByEvent[eventType]++
	count := m.failuresByEvent[eventType]
	shouldAlert := m.webhookFailureThreshold > 0 && count >= m.webhookFailureThreshold && !m.alertedEvents[eventType]
	if shouldAlert {
		m.alertedEvents[eventType] = true
	}
	m.mu.Unlock()

	if shouldAlert {
		log.Printf("level=error component=monitor msg=\"webhook failure threshold crossed\" event_type=%s failures=%d threshold=%d", eventType, count, m.webhookFailureThreshold)
		m.notify(ctx, domain.SeverityHigh, "Webhook failures above threshold",
			fmt.Sprintf("event_type=%s failures=%d threshold=%d", eventType, count, m.webhookFailureThreshold))
	}
}

// RecordReconciliationRun records the aggregate outcome of one sweep and
// escalates when the run's error count crosses the threshold. The run-level
// alert catches systemic failures (gateway misbehaving) rather than isolated
// data issues.
func (m *Monitor) RecordReconciliationRun(ctx context.Context, result domain.SweepResult) {
	m.reconErrorsTotal.Add(float64(result.Errors))
	m.reconFixedTotal.Add(float64(result.FixedDiscrepancies))
	m.reconErrors.Add(int64(result.Errors))

	if m.reconErrorThreshold > 0 && result.Errors >= m.reconErrorThreshold {
		errorRate := 0.0
		if result.Processed > 0 {
			errorRate = float64(result.Errors) / float64(result.Processed)
		}
		log.Printf("level=error component=monitor msg=\"reconciliation error threshold crossed\" errors=%d processed=%d error_rate=%.2f", result.Errors, result.Processed, errorRate)
		m.notify(ctx, domain.SeverityHigh, "Reconciliation errors above threshold",
			fmt.Sprintf("errors=%d processed=%d error_rate=%.2f threshold=%d", result.Errors, result.Processed, errorRate, m.reconErrorThreshold))
	}
}

// RecordCriticalError raises an immediate critical alert, independent of any
// counter threshold. Used for the funds-captured-no-refund failure mode.
func (m *Monitor) RecordCriticalError(ctx context.Context, title, detail string) {
	m.criticalTotal.Inc()
	m.criticalErrors.Add(1)
	log.Printf("level=error component=monitor severity=critical msg=%q detail=%q", title, detail)
	m.notify(ctx, domain.SeverityCritical, title, detail)
}

// Snapshot returns the read-only health view. The caller supplies the
// outstanding pending-transaction count from the store.
func (m *Monitor) Snapshot(pendingTransactions int64) domain.HealthSnapshot {
	successes := m.webhookSuccesses.Load()
	failures := m.webhookFailures.Load()

	successRate := 1.0
	if successes+failures > 0 {
		successRate = float64(successes) / float64(successes+failures)
	}

	avgMillis := 0.0
	if processed := m.processedCount.Load(); processed > 0 {
		avgMillis = float64(m.processingMillis.Load()) / float64(processed)
	}

	return domain.HealthSnapshot{
		WebhookSuccesses:     successes,
		WebhookFailures:      failures,
		SuccessRate:          successRate,
		AvgProcessingMillis:  avgMillis,
		ReconciliationErrors: m.reconErrors.Load(),
		CriticalErrors:       m.criticalErrors.Load(),
		PendingTransactions:  pendingTransactions,
	}
}

func (m *Monitor) notify(ctx context.Context, severity, title, text string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, severity, title, text)
}
