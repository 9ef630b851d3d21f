// Package metrics provides Prometheus collectors for device admission, enrollment and capability learning.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts admission decisions by match level.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zenroll_admissions_total",
		Help: "Total number of admission decisions, by match level",
	}, []string{"level"})

	// PhaseTransitions counts enrollment state machine transitions by target state.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zenroll_enrollment_transitions_total",
		Help: "Total number of enrollment state transitions, by state entered",
	}, []string{"state"})

	// EnrichmentAttempts counts phase 2 runs.
	EnrichmentAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_enrichment_attempts_total",
		Help: "Total number of phase 2 enrichment attempts",
	})

	// EnrichmentFailures counts phase 2 runs which failed and were rescheduled.
	EnrichmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_enrichment_failures_total",
		Help: "Total number of phase 2 enrichment attempts which failed",
	})

	// EnrichmentDuration tracks how long a phase 2 attempt takes.
	EnrichmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zenroll_enrichment_duration_seconds",
		Help:    "Duration of phase 2 enrichment attempts in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TaskRetries counts scheduler retries.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_task_retries_total",
		Help: "Total number of scheduled task retries",
	})

	// TaskFallbacks counts terminal task failures which were replaced by a fallback task.
	TaskFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_task_fallbacks_total",
		Help: "Total number of fallback tasks scheduled after terminal failure",
	})

	// TaskDrops counts terminal task failures with no fallback registered.
	TaskDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_task_drops_total",
		Help: "Total number of tasks dropped after terminal failure without a fallback",
	})

	// Samples counts capability samples by capability and validity.
	Samples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zenroll_capability_samples_total",
		Help: "Total number of capability samples recorded, by capability and validity",
	}, []string{"capability", "valid"})

	// DuplicatesSuppressed counts events dropped by the deduplicator.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zenroll_duplicates_suppressed_total",
		Help: "Total number of duplicate capability events suppressed",
	})

	// Adaptations counts capability changes applied to devices, by action.
	Adaptations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zenroll_capability_adaptations_total",
		Help: "Total number of capability adaptations applied, by action",
	}, []string{"action"})

	// TimeSyncs counts time synchronisation attempts by outcome.
	TimeSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zenroll_time_syncs_total",
		Help: "Total number of time synchronisation attempts, by outcome",
	}, []string{"outcome"})

	// DevicesEnrolled tracks devices currently managed by the engine.
	DevicesEnrolled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zenroll_devices",
		Help: "Number of devices currently managed",
	})
)
