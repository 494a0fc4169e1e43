package rules

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Evaluation results recorded in nornicrules_rule_evaluations_total.
const (
	resultConnected    = "connected"
	resultDisconnected = "disconnected"
	resultUnchanged    = "unchanged"
	resultError        = "error"
)

// metrics are the engine's Prometheus collectors.
type metrics struct {
	evaluations  *prometheus.CounterVec
	connected    *prometheus.CounterVec
	disconnected *prometheus.CounterVec
	cascadeNodes prometheus.Histogram
}

// newMetrics registers the rule collectors with reg. A collector that is
// already registered (a second engine on the same registry) is reused.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		evaluations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nornicrules_rule_evaluations_total",
			Help: "Rule predicate evaluations by class, rule and result",
		}, []string{"class", "rule", "result"})),
		connected: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nornicrules_edges_connected_total",
			Help: "Materialized rule edges created",
		}, []string{"class", "rule"})),
		disconnected: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nornicrules_edges_disconnected_total",
			Help: "Materialized rule edges removed",
		}, []string{"class", "rule"})),
		cascadeNodes: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nornicrules_cascade_nodes",
			Help:    "Nodes evaluated per evaluation pass, including trigger cascades",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500},
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
