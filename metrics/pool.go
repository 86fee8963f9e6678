package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/manager"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/pulse/worker"
)

// PoolMetrics tracks the job manager worker pool. It implements manager.Observer.
type PoolMetrics struct {
	// TasksSubmitted counts tasks accepted by Submit, by task type
	TasksSubmitted *prometheus.CounterVec

	// TasksCompleted counts finished tasks by type and final status
	TasksCompleted *prometheus.CounterVec

	// TaskDuration observes wall time per task, by type
	TaskDuration *prometheus.HistogramVec

	// InFlightTasks is the submitted-but-not-drained count
	InFlightTasks prometheus.Gauge
}

var _ manager.Observer = (*PoolMetrics)(nil)

// NewPoolMetricsWithRegistry creates pool metrics registered with reg
func NewPoolMetricsWithRegistry(reg prometheus.Registerer) *PoolMetrics {
	factory := promauto.With(reg)
	return &PoolMetrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "tasks_submitted_total",
				Help:      "Tasks submitted to the worker pool.",
			},
			[]string{"type"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "tasks_completed_total",
				Help:      "Tasks drained by the pool monitor, by final status.",
			},
			[]string{"type", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "task_duration_seconds",
				Help:      "Task run time from start to finish.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"type"},
		),
		InFlightTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "in_flight_tasks",
				Help:      "Tasks submitted and not yet drained.",
			},
		),
	}
}

// TaskSubmitted implements manager.Observer
func (m *PoolMetrics) TaskSubmitted(t worker.Type) {
	m.TasksSubmitted.WithLabelValues(string(t)).Inc()
}

// TaskCompleted implements manager.Observer
func (m *PoolMetrics) TaskCompleted(res worker.Result) {
	m.TasksCompleted.WithLabelValues(string(res.Type), string(res.Status)).Inc()
	m.TaskDuration.WithLabelValues(string(res.Type)).Observe(res.Duration().Seconds())
}

// InFlight implements manager.Observer
func (m *PoolMetrics) InFlight(n int64) {
	m.InFlightTasks.Set(float64(n))
}
