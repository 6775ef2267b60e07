package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSSTableMetrics() {
	r.SSTablesLive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_sstables_live",
			Help: "Number of live SSTables",
		},
	)

	r.SSTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_sstables_bytes",
			Help: "Total Data.db size of live SSTables in bytes",
		},
	)

	r.SSTableEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_sstables_entries",
			Help: "Total entries across live SSTables",
		},
	)

	r.SSTableFlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_sstable_flushes_total",
			Help: "Total number of buffer flushes into new SSTables",
		},
		[]string{"status"},
	)

	r.SSTableFlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    Namespace + "_sstable_flush_duration_seconds",
			Help:    "SSTable flush duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.SSTableFlushBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_sstable_flush_bytes_total",
			Help: "Bytes written by flushes",
		},
	)

	r.SSTableReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_sstable_reads_total",
			Help: "Total number of point and range reads",
		},
		[]string{"operation", "result"},
	)

	r.SSTableReadDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_sstable_read_duration_seconds",
			Help:    "Read duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"operation"},
	)

	r.SSTableBloomNegatives = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_sstable_bloom_negatives",
			Help: "Lookups answered by a bloom filter without reading data",
		},
	)

	r.ChunkCacheHits = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_chunk_cache_hits",
			Help: "Decompressed chunk cache hits",
		},
	)

	r.ChunkCacheMisses = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_chunk_cache_misses",
			Help: "Decompressed chunk cache misses",
		},
	)
}
