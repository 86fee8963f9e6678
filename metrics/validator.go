package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/validator"
)

// ValidatorMetrics counts validation outcomes. It implements validator.Observer.
type ValidatorMetrics struct {
	JobsValidated *prometheus.CounterVec
}

var _ validator.Observer = (*ValidatorMetrics)(nil)

// NewValidatorMetricsWithRegistry creates validator metrics registered with reg
func NewValidatorMetricsWithRegistry(reg prometheus.Registerer) *ValidatorMetrics {
	return &ValidatorMetrics{
		JobsValidated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validator",
				Name:      "jobs_validated_total",
				Help:      "Jobs resolved against the transfer service, by resolved status.",
			},
			[]string{"status"},
		),
	}
}

// JobValidated implements validator.Observer
func (m *ValidatorMetrics) JobValidated(status retention.JobStatus) {
	m.JobsValidated.WithLabelValues(string(status)).Inc()
}
