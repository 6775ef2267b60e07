package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "cluso_sstable"

// Registry holds all metrics for the storage engine
type Registry struct {
	// SSTable Metrics
	SSTablesLive          prometheus.Gauge
	SSTableBytes          prometheus.Gauge
	SSTableEntries        prometheus.Gauge
	SSTableFlushesTotal   *prometheus.CounterVec
	SSTableFlushDuration  prometheus.Histogram
	SSTableFlushBytes     prometheus.Counter
	SSTableReadsTotal     *prometheus.CounterVec
	SSTableReadDuration   *prometheus.HistogramVec
	SSTableBloomNegatives prometheus.Gauge
	ChunkCacheHits        prometheus.Gauge
	ChunkCacheMisses      prometheus.Gauge

	// WAL Metrics
	WALAppendsTotal     *prometheus.CounterVec
	WALBytesTotal       prometheus.Counter
	WALErrorsTotal      *prometheus.CounterVec
	WALSizeBytes        prometheus.Gauge
	WALSyncsTotal       prometheus.Gauge
	WALCompressionRatio prometheus.Gauge

	// Compaction Metrics
	CompactionsTotal      *prometheus.CounterVec
	CompactionDuration    *prometheus.HistogramVec
	CompactionInputsTotal prometheus.Counter
	CompactionOutputBytes prometheus.Counter

	// Manifest Metrics
	ManifestVersion       prometheus.Gauge
	ManifestWritesTotal   *prometheus.CounterVec
	ManifestActiveSSTable prometheus.Gauge

	// System Metrics
	UptimeSeconds prometheus.GaugeFunc
	Runtime       *prometheus.GaugeVec

	registry *prometheus.Registry
	started  time.Time
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		started:  time.Now(),
	}

	r.initSSTableMetrics()
	r.initWALMetrics()
	r.initCompactionMetrics()
	r.initManifestMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
