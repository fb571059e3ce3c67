package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution transitions by event and outcome (ok, rejected, conflict, error).
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sopline_execution_transitions_total",
			Help: "Execution transitions attempted, by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sopline_execution_transition_duration_seconds",
			Help:    "Execution transition duration in seconds, store and audit included",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"event"},
	)

	// Retry policy decisions.
	PolicyDecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sopline_policy_decisions_total",
			Help: "Retry/escalation decisions taken on failure",
		},
		[]string{"decision"},
	)

	AuditRecordCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sopline_audit_records_total",
			Help: "Audit rows appended, by entity type",
		},
		[]string{"entity_type"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sopline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

func RecordTransition(event, outcome string, duration time.Duration) {
	TransitionCount.WithLabelValues(event, outcome).Inc()
	TransitionDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func IncrementPolicyDecision(decision string) {
	PolicyDecisionCount.WithLabelValues(decision).Inc()
}

func IncrementAuditRecord(entityType string) {
	AuditRecordCount.WithLabelValues(entityType).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
