package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCompactionMetrics() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_compactions_total",
			Help: "Total number of compactions",
		},
		[]string{"strategy", "status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"strategy"},
	)

	r.CompactionInputsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_compaction_inputs_total",
			Help: "SSTables consumed by compactions",
		},
	)

	r.CompactionOutputBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_compaction_output_bytes_total",
			Help: "Bytes written by compactions",
		},
	)
}
