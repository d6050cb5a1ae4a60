package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "elector"

// Package-level collectors registered on the default registry.
var (
	// --- Election Metrics ---

	// LeaderStatus is 1 while the local candidate leads the election.
	LeaderStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this candidate currently holds leadership (1) or not (0)",
		},
		[]string{"role", "path"},
	)

	// Transitions counts leadership events by type.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "events_total",
			Help:      "Total number of leadership events emitted",
		},
		[]string{"role", "event"},
	)

	// LeadershipDuration tracks how long each leadership term lasted.
	LeadershipDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "leadership_duration_seconds",
			Help:      "Duration of leadership terms in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		},
		[]string{"role"},
	)

	// AcquireAttempts counts acquisition attempts by outcome.
	AcquireAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "acquire_attempts_total",
			Help:      "Total number of mutex acquisition attempts by outcome",
		},
		[]string{"role", "outcome"},
	)

	// AcquireLatency measures time spent blocked in acquisition.
	AcquireLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent waiting for the mutex",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"role"},
	)

	// CoordinatorState exposes the numeric coordinator state.
	CoordinatorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "state",
			Help:      "Coordinator state (0=idle 1=acquiring 2=leading 3=releasing 4=stopped)",
		},
		[]string{"role", "path"},
	)

	// RegisteredCoordinators tracks the registry size.
	RegisteredCoordinators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "coordinators",
			Help:      "Number of coordinators registered in this process",
		},
	)

	// --- Coordination Metrics ---

	// SessionEvents counts session state changes reported by a backend.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "session_events_total",
			Help:      "Total number of coordination session events",
		},
		[]string{"backend", "state"},
	)

	// BreakerState exposes the coordinator circuit breaker state.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed 1=open 2=half-open)",
		},
		[]string{"name"},
	)

	// --- Side Effects ---

	// HookRuns counts hook executions.
	HookRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "runs_total",
			Help:      "Total number of hook command runs",
		},
		[]string{"role", "event", "status"},
	)

	// HookDuration tracks hook run duration.
	HookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "duration_seconds",
			Help:      "Duration of hook command runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"role", "event"},
	)

	// LeaderTaskRuns counts leader-only scheduled task runs.
	LeaderTaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Total number of leader-only task runs",
		},
		[]string{"role", "task", "status"},
	)

	// JournalWrites counts leadership journal appends.
	JournalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Total number of journal appends",
		},
		[]string{"store", "status"},
	)
)

// RecordAcquire records one acquisition attempt.
func RecordAcquire(role, outcome string, seconds float64) {
	AcquireAttempts.WithLabelValues(role, outcome).Inc()
	AcquireLatency.WithLabelValues(role).Observe(seconds)
}

// RecordLeadership flips the leader gauge.
func RecordLeadership(role, path string, leading bool) {
	v := 0.0
	if leading {
		v = 1
	}
	LeaderStatus.WithLabelValues(role, path).Set(v)
}
