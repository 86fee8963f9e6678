// Package metrics exposes Prometheus collectors for the retention engine.
//
// Each component has its own metrics type that implements the component's
// Observer interface, so components stay free of Prometheus imports:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	mgr := manager.New(cfg, log, manager.WithObserver(m.Pool))
//	exec := executor.New(client, jobs, execCfg, log, executor.WithObserver(m.Executor))
//
// All collectors live under the "sdrs" namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/version"
)

const namespace = "sdrs"

// Metrics bundles the collectors of every component
type Metrics struct {
	Pool      *PoolMetrics
	Executor  *ExecutorMetrics
	Validator *ValidatorMetrics
	DmQueue   *DmQueueMetrics
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	registerBuildInfo(reg, version.Get())
	return &Metrics{
		Pool:      NewPoolMetricsWithRegistry(reg),
		Executor:  NewExecutorMetricsWithRegistry(reg),
		Validator: NewValidatorMetricsWithRegistry(reg),
		DmQueue:   NewDmQueueMetricsWithRegistry(reg),
	}
}

// registerBuildInfo exports a constant 1 labelled with the running build
func registerBuildInfo(reg prometheus.Registerer, info version.Info) {
	promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running binary; always 1.",
		ConstLabels: prometheus.Labels{
			"version":    info.Version,
			"commit":     info.Short(),
			"go_version": info.GoVersion,
		},
	}).Set(1)
}
