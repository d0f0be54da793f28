// Package observability provides Prometheus metrics and OpenTelemetry
// tracing instrumentation for the orchestration runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// BUS METRICS
// =============================================================================

var (
	envelopesDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_envelopes_delivered_total",
			Help: "Total number of envelopes delivered to a mailbox",
		},
		[]string{"kind"}, // directive, report, query, coordinate, event
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_dead_letters_total",
			Help: "Total number of envelopes moved to the dead-letter store",
		},
		[]string{"reason"}, // Expired, UnknownRecipient, AgentRemoved, AgentStopped, MailboxFull
	)

	mailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortex_mailbox_depth",
			Help: "Current number of queued envelopes per agent mailbox",
		},
		[]string{"agent"},
	)

	registeredAgents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortex_registered_agents",
			Help: "Current number of registered agents per tier",
		},
		[]string{"tier"}, // execution, tactical, strategic
	)
)

// =============================================================================
// AGENT METRICS
// =============================================================================

var (
	envelopesHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_envelopes_handled_total",
			Help: "Total number of envelopes processed by agent handlers",
		},
		[]string{"agent", "kind", "status"}, // status: success, error
	)

	handlerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"agent", "kind"},
	)
)

// =============================================================================
// SUPERVISOR METRICS
// =============================================================================

var (
	routeFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_route_faults_total",
			Help: "Total routing failures surfaced to callers",
		},
		[]string{"code"}, // pool_exhausted, circuit_open, unknown_recipient, no_capable_supervisor
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_retries_total",
			Help: "Total directive retries scheduled by supervisors",
		},
		[]string{"capability"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"child", "to"}, // to: closed, half-open, open
	)

	aggregateFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_aggregate_flushes_total",
			Help: "Total aggregated report windows flushed upward",
		},
		[]string{"supervisor"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordDelivery records a successful envelope delivery.
func RecordDelivery(kind string) {
	envelopesDeliveredTotal.WithLabelValues(kind).Inc()
}

// RecordDeadLetter records an envelope moved to the dead-letter store.
func RecordDeadLetter(reason string) {
	deadLettersTotal.WithLabelValues(reason).Inc()
}

// SetMailboxDepth records the current depth of an agent's mailbox.
func SetMailboxDepth(agent string, depth int) {
	mailboxDepth.WithLabelValues(agent).Set(float64(depth))
}

// DropMailboxDepth removes the depth series for an unregistered agent.
func DropMailboxDepth(agent string) {
	mailboxDepth.DeleteLabelValues(agent)
}

// SetRegisteredAgents records the registered agent count for a tier.
func SetRegisteredAgents(tier string, count int) {
	registeredAgents.WithLabelValues(tier).Set(float64(count))
}

// RecordHandled records handler outcome and duration for one envelope.
// This should be called after the handler returns.
func RecordHandled(agent, kind, status string, durationMS int64) {
	envelopesHandledTotal.WithLabelValues(agent, kind, status).Inc()
	handlerDurationSeconds.WithLabelValues(agent, kind).Observe(float64(durationMS) / 1000.0)
}

// RecordRouteFault records a routing failure surfaced to a caller.
func RecordRouteFault(code string) {
	routeFaultsTotal.WithLabelValues(code).Inc()
}

// RecordRetry records a retry scheduled for a capability.
func RecordRetry(capability string) {
	retriesTotal.WithLabelValues(capability).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(child, to string) {
	breakerTransitionsTotal.WithLabelValues(child, to).Inc()
}

// RecordAggregateFlush records one aggregated report window flushed upward.
func RecordAggregateFlush(supervisor string) {
	aggregateFlushesTotal.WithLabelValues(supervisor).Inc()
}
