// Package metrics registers the Prometheus collectors for the event store,
// projection engine, workflow queue, and bootstrap workflow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEmitted counts domain events durably inserted, by stream type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "eventstore",
		Name:      "events_emitted_total",
		Help:      "Domain events durably inserted into the event log.",
	}, []string{"stream_type"})

	// ProjectionFailures counts projection handler failures, by stream type.
	ProjectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "projection",
		Name:      "failures_total",
		Help:      "Projection handler failures recorded on events.",
	}, []string{"stream_type"})

	// ProjectionLatency observes projection handler latency per stream type.
	ProjectionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platform",
		Subsystem: "projection",
		Name:      "apply_seconds",
		Help:      "Time spent applying a single event to its projections.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stream_type"})

	// QueueClaims counts workflow queue claim attempts by outcome.
	QueueClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Workflow queue claim attempts by outcome (won, lost).",
	}, []string{"outcome"})

	// WorkflowOutcomes counts bootstrap workflow terminal outcomes.
	WorkflowOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "bootstrap",
		Name:      "workflow_outcomes_total",
		Help:      "Bootstrap workflow terminal outcomes (completed, failed, cancelled).",
	}, []string{"outcome"})

	// VersionConflictRetries counts per-stream version collisions retried in the emit path.
	VersionConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "eventstore",
		Name:      "version_conflict_retries_total",
		Help:      "Stream version collisions transparently retried during emit.",
	})
)
