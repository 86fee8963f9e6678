package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/executor"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
)

// ExecutorMetrics counts transfer job submissions. It implements executor.Observer.
type ExecutorMetrics struct {
	JobsSubmitted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
}

var _ executor.Observer = (*ExecutorMetrics)(nil)

// NewExecutorMetricsWithRegistry creates executor metrics registered with reg
func NewExecutorMetricsWithRegistry(reg prometheus.Registerer) *ExecutorMetrics {
	factory := promauto.With(reg)
	return &ExecutorMetrics{
		JobsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "jobs_submitted_total",
				Help:      "Transfer jobs created and recorded, by owning rule type.",
			},
			[]string{"rule_type"},
		),
		JobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "jobs_failed_total",
				Help:      "Transfer job submissions skipped after an error, by owning rule type.",
			},
			[]string{"rule_type"},
		),
	}
}

// JobSubmitted implements executor.Observer
func (m *ExecutorMetrics) JobSubmitted(ruleType retention.RuleType) {
	m.JobsSubmitted.WithLabelValues(string(ruleType)).Inc()
}

// JobFailed implements executor.Observer
func (m *ExecutorMetrics) JobFailed(ruleType retention.RuleType) {
	m.JobsFailed.WithLabelValues(string(ruleType)).Inc()
}
