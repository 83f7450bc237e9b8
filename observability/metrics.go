package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimMetricsOnce sync.Once
	claimRegistry    *ClaimMetrics
)

// ClaimMetrics wraps collectors tracking the reward claim coordinator.
type ClaimMetrics struct {
	claims          *prometheus.CounterVec
	claimLatency    *prometheus.HistogramVec
	chainOps        *prometheus.CounterVec
	chainLatency    *prometheus.HistogramVec
	compensation    *prometheus.CounterVec
	integrityAlarms *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
}

// Claims returns the lazily-initialised claim metrics registry.
func Claims() *ClaimMetrics {
	claimMetricsOnce.Do(func() {
		claimRegistry = &ClaimMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questrewards",
				Subsystem: "claims",
				Name:      "total",
				Help:      "Claim attempts segmented by quest and outcome.",
			}, []string{"quest", "outcome"}),
			claimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "questrewards",
				Subsystem: "claims",
				Name:      "duration_seconds",
				Help:      "End-to-end claim latency segmented by outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			chainOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questrewards",
				Subsystem: "chain",
				Name:      "submissions_total",
				Help:      "Relayer mint and burn submissions segmented by result class.",
			}, []string{"operation", "result"}),
			chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "questrewards",
				Subsystem: "chain",
				Name:      "submission_duration_seconds",
				Help:      "Time from submission to observed receipt.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"operation"}),
			compensation: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questrewards",
				Subsystem: "compensation",
				Name:      "entries_total",
				Help:      "Burn and refund entries segmented by resulting status.",
			}, []string{"direction", "status"}),
			integrityAlarms: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questrewards",
				Subsystem: "compensation",
				Name:      "integrity_alarms_total",
				Help:      "Refund requests that did not match their burn.",
			}, []string{"kind"}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questrewards",
				Subsystem: "recon",
				Name:      "settled_total",
				Help:      "Records settled by the reconciler segmented by kind and result.",
			}, []string{"kind", "result"}),
		}
		prometheus.MustRegister(
			claimRegistry.claims,
			claimRegistry.claimLatency,
			claimRegistry.chainOps,
			claimRegistry.chainLatency,
			claimRegistry.compensation,
			claimRegistry.integrityAlarms,
			claimRegistry.reconciled,
		)
	})
	return claimRegistry
}

// ObserveClaim records the outcome of a claim attempt.
func (m *ClaimMetrics) ObserveClaim(quest, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	quest = labelOrUnknown(quest)
	outcome = labelOrUnknown(outcome)
	m.claims.WithLabelValues(quest, outcome).Inc()
	m.claimLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveChain records a relayer submission.
func (m *ClaimMetrics) ObserveChain(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = labelOrUnknown(operation)
	m.chainOps.WithLabelValues(operation, labelOrUnknown(result)).Inc()
	m.chainLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCompensation counts a burn or refund reaching status.
func (m *ClaimMetrics) RecordCompensation(direction, status string) {
	if m == nil {
		return
	}
	m.compensation.WithLabelValues(labelOrUnknown(strings.ToLower(direction)), labelOrUnknown(strings.ToLower(status))).Inc()
}

// RecordIntegrityAlarm counts a refund request rejected as inconsistent.
func (m *ClaimMetrics) RecordIntegrityAlarm(kind string) {
	if m == nil {
		return
	}
	m.integrityAlarms.WithLabelValues(labelOrUnknown(kind)).Inc()
}

// RecordReconciled counts a record settled by the reconciler.
func (m *ClaimMetrics) RecordReconciled(kind, result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(labelOrUnknown(kind), labelOrUnknown(result)).Inc()
}

func labelOrUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
