package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	conflicts     *prometheus.GaugeVec
	detectionRuns *prometheus.CounterVec
	detectLatency prometheus.Histogram
	decisions     *prometheus.CounterVec
	expired       prometheus.Counter
	declarations  *prometheus.CounterVec
	treeMutations *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		conflicts: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "operaflow",
			Name:      "conflicts",
			Help:      "Conflicts present after the last detection pass.",
		}, []string{"type", "severity"}),
		detectionRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operaflow",
			Name:      "conflict_detection_runs_total",
			Help:      "Conflict detection passes by result.",
		}, []string{"result"}),
		detectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "operaflow",
			Name:      "conflict_detection_seconds",
			Help:      "Duration of conflict detection passes.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operaflow",
			Name:      "provisional_decisions_total",
			Help:      "Provisional assignment decisions by outcome.",
		}, []string{"outcome"}),
		expired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "operaflow",
			Name:      "provisional_expired_total",
			Help:      "Provisional assignments expired by the sweeper.",
		}),
		declarations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operaflow",
			Name:      "contract_declarations_total",
			Help:      "Contract declarations into planning by result.",
		}, []string{"result"}),
		treeMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operaflow",
			Name:      "task_tree_mutations_total",
			Help:      "Task tree mutations by operation.",
		}, []string{"op"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
