package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrchestratorMetrics holds the Prometheus counters the background loops
// report into. One instance per process; the collectors register themselves
// with the default registry served at /metrics.
type OrchestratorMetrics struct {
	dispatched      *prometheus.CounterVec
	handoffFailures *prometheus.CounterVec
	robotsFailed    prometheus.Counter
	jobsRecovered   *prometheus.CounterVec
	schedulesFired  *prometheus.CounterVec
}

// NewOrchestratorMetrics registers the orchestrator collectors.
func NewOrchestratorMetrics() *OrchestratorMetrics {
	return &OrchestratorMetrics{
		dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "dispatch",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed off to a robot.",
		}, []string{"robot_id"}),
		handoffFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "dispatch",
			Name:      "handoff_failures_total",
			Help:      "Handoffs that failed and released the claim.",
		}, []string{"robot_id"}),
		robotsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "recovery",
			Name:      "robots_marked_failed_total",
			Help:      "Robots marked failed after missing heartbeats.",
		}),
		jobsRecovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "recovery",
			Name:      "jobs_recovered_total",
			Help:      "Jobs recovered from failed robots, by outcome.",
		}, []string{"outcome"}),
		schedulesFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "scheduler",
			Name:      "schedules_fired_total",
			Help:      "Schedule firing attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Dispatch returns the dispatcher metrics adapter.
func (m *OrchestratorMetrics) Dispatch() *DispatchMetrics { return &DispatchMetrics{m} }

// Recovery returns the recovery metrics adapter.
func (m *OrchestratorMetrics) Recovery() *RecoveryMetrics { return &RecoveryMetrics{m} }

// Scheduler returns the schedule engine metrics adapter.
func (m *OrchestratorMetrics) Scheduler() *SchedulerMetrics { return &SchedulerMetrics{m} }

// DispatchMetrics adapts the counters to the dispatcher's metrics interface.
type DispatchMetrics struct{ m *OrchestratorMetrics }

func (d *DispatchMetrics) JobDispatched(robotID string) {
	d.m.dispatched.WithLabelValues(robotID).Inc()
}

func (d *DispatchMetrics) HandoffFailed(robotID string) {
	d.m.handoffFailures.WithLabelValues(robotID).Inc()
}

// RecoveryMetrics adapts the counters to the recovery manager's metrics
// interface.
type RecoveryMetrics struct{ m *OrchestratorMetrics }

func (r *RecoveryMetrics) RobotMarkedFailed() {
	r.m.robotsFailed.Inc()
}

func (r *RecoveryMetrics) JobRecovered(outcome string) {
	r.m.jobsRecovered.WithLabelValues(outcome).Inc()
}

// SchedulerMetrics adapts the counters to the schedule engine's metrics
// interface.
type SchedulerMetrics struct{ m *OrchestratorMetrics }

func (s *SchedulerMetrics) ScheduleFired(outcome string) {
	s.m.schedulesFired.WithLabelValues(outcome).Inc()
}
