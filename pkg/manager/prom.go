package manager

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollector returns the collectors of every node and segment
func (sm *Manager) PrometheusCollector() []prometheus.Collector {
	out := []prometheus.Collector{sm.countEcho}
	out = append(out, sm.ndMetrics.PrometheusCollector()...)
	return append(out, sm.linkMetrics.PrometheusCollector()...)
}
