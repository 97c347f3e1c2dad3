package nd6

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Neighbor Discovery counters, shared by every interface
// of a node and labelled by interface name
type Metrics struct {
	Discarded          *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	ResolutionFailures *prometheus.CounterVec
	DADFailures        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "discarded_packets_total",
			Help:      "Neighbor Discovery messages dropped by validation, by message type and reason",
		}, []string{"interface", "type", "reason"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "evictions_total",
			Help:      "Entries evicted from a full table",
		}, []string{"interface", "table"}),
		ResolutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "resolution_failures_total",
			Help:      "Neighbors deleted after unanswered solicitations",
		}, []string{"interface"}),
		DADFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Name:      "dad_failures_total",
			Help:      "Addresses dropped because duplicate address detection found another owner",
		}, []string{"interface"}),
	}
}

// PrometheusCollector - required for statistics
func (m *Metrics) PrometheusCollector() []prometheus.Collector {
	return []prometheus.Collector{m.Discarded, m.Evictions, m.ResolutionFailures, m.DADFailures}
}
