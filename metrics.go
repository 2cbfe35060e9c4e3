package lnet

import "github.com/luciancaetano/lnet/internal/metrics"

// Metrics holds the Prometheus instruments shared by the engines. A nil
// *Metrics disables collection.
type Metrics = metrics.Metrics

// MetricsConfig selects the namespace, constant labels and registerer.
type MetricsConfig = metrics.Config

// DefaultMetricsConfig registers under the "lnet" namespace with the default
// Prometheus registerer.
func DefaultMetricsConfig() MetricsConfig {
	return metrics.DefaultConfig()
}

// NewMetrics creates and registers the engine instruments. It panics if they
// are already registered with cfg.Registry, like promauto.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return metrics.New(cfg)
}
