package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/dmqueue"
)

var queueStatuses = []dmqueue.Status{
	dmqueue.StatusReady,
	dmqueue.StatusProcessing,
	dmqueue.StatusReadyRetry,
	dmqueue.StatusSTSExecution,
	dmqueue.StatusFail,
}

// DmQueueMetrics tracks the delete-marker queue. It implements dmqueue.Observer.
type DmQueueMetrics struct {
	// Requests counts processing outcomes
	Requests *prometheus.CounterVec

	// Depth is the number of queued requests per status, set once per cycle
	Depth *prometheus.GaugeVec
}

var _ dmqueue.Observer = (*DmQueueMetrics)(nil)

// NewDmQueueMetricsWithRegistry creates queue metrics registered with reg
func NewDmQueueMetricsWithRegistry(reg prometheus.Registerer) *DmQueueMetrics {
	factory := promauto.With(reg)
	return &DmQueueMetrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmqueue",
				Name:      "requests_total",
				Help:      "Delete-marker requests by processing outcome.",
			},
			[]string{"outcome"},
		),
		Depth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dmqueue",
				Name:      "depth",
				Help:      "Queued delete-marker requests by status.",
			},
			[]string{"status"},
		),
	}
}

// RequestProcessed implements dmqueue.Observer
func (m *DmQueueMetrics) RequestProcessed(outcome dmqueue.Outcome) {
	m.Requests.WithLabelValues(string(outcome)).Inc()
}

// SetDepth publishes counts. Statuses missing from counts are set to zero.
func (m *DmQueueMetrics) SetDepth(counts map[dmqueue.Status]int) {
	for _, st := range queueStatuses {
		m.Depth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
