// Package metrics provides Prometheus instrumentation for a single
// orchestrator turn: duration, scheduler iteration count, termination
// reason, and context-service decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the orchestration core emits. Each
// Collector owns its own prometheus.Registerer so multiple instances
// (e.g. one per test) never collide on the global default registry.
type Collector struct {
	turnDuration     *prometheus.HistogramVec
	turnTotal        *prometheus.CounterVec
	schedulerIters   *prometheus.HistogramVec
	contextDecisions *prometheus.CounterVec
	clearFailures    prometheus.Counter
	agentInvocations *prometheus.CounterVec
	lockContention   prometheus.Counter
}

// New creates a Collector and registers all of its metrics with reg.
// Pass prometheus.NewRegistry() in tests, or prometheus.DefaultRegisterer
// in production.
func New(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a single HandleTurn call.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"terminal_state"}),

		turnTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of completed turns, by terminal state.",
		}, []string{"terminal_state"}),

		schedulerIters: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_iterations",
			Help:      "Number of group-chat scheduler iterations per turn.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
		}, []string{"terminal_state"}),

		contextDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_decisions_total",
			Help:      "Total number of Context Service decisions, by kind.",
		}, []string{"decision"}),

		clearFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clear_patient_archive_failures_total",
			Help:      "Total number of per-patient archival failures during clear.",
		}),

		agentInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations, by agent and outcome.",
		}, []string{"agent", "outcome"}),

		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_lock_contention_total",
			Help:      "Total number of turns that failed to acquire the per-conversation lock.",
		}),
	}
}

// ObserveTurn records a completed turn's duration and outcome.
func (c *Collector) ObserveTurn(terminalState string, duration time.Duration) {
	c.turnDuration.WithLabelValues(terminalState).Observe(duration.Seconds())
	c.turnTotal.WithLabelValues(terminalState).Inc()
}

// ObserveSchedulerIterations records how many iterations the scheduler
// ran before reaching terminalState.
func (c *Collector) ObserveSchedulerIterations(terminalState string, iterations int) {
	c.schedulerIters.WithLabelValues(terminalState).Observe(float64(iterations))
}

// RecordContextDecision increments the counter for one Context Service
// decision kind (e.g. "NEW_BLANK", "UNCHANGED").
func (c *Collector) RecordContextDecision(decision string) {
	c.contextDecisions.WithLabelValues(decision).Inc()
}

// RecordClearFailure increments the per-patient archival failure counter.
func (c *Collector) RecordClearFailure() {
	c.clearFailures.Inc()
}

// RecordAgentInvocation records one agent invocation outcome, "ok" or
// "error".
func (c *Collector) RecordAgentInvocation(agent, outcome string) {
	c.agentInvocations.WithLabelValues(agent, outcome).Inc()
}

// RecordLockContention increments the counter for a turn that could not
// acquire the per-conversation lock.
func (c *Collector) RecordLockContention() {
	c.lockContention.Inc()
}
