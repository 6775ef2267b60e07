package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWALMetrics() {
	r.WALAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_wal_appends_total",
			Help: "Total number of WAL records appended",
		},
		[]string{"kind"},
	)

	r.WALBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_wal_bytes_total",
			Help: "Bytes appended to the WAL",
		},
	)

	r.WALErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_wal_errors_total",
			Help: "Total number of failed WAL operations",
		},
		[]string{"operation"},
	)

	r.WALSizeBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_wal_size_bytes",
			Help: "Current WAL file size in bytes",
		},
	)

	r.WALSyncsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_wal_syncs",
			Help: "Number of fsyncs issued by the WAL",
		},
	)

	r.WALCompressionRatio = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_wal_compression_ratio",
			Help: "Compressed over uncompressed WAL payload bytes",
		},
	)
}
