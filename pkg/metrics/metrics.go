package metrics

import (
	"runtime"
	"time"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordFlush records a buffer flush into a new SSTable
func (r *Registry) RecordFlush(err error, duration time.Duration, bytes int64) {
	r.SSTableFlushesTotal.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	r.SSTableFlushDuration.Observe(duration.Seconds())
	r.SSTableFlushBytes.Add(float64(bytes))
}

// RecordRead records a point or range read. result is "hit", "miss" or
// "error".
func (r *Registry) RecordRead(operation, result string, duration time.Duration) {
	r.SSTableReadsTotal.WithLabelValues(operation, result).Inc()
	r.SSTableReadDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateSSTableMetrics sets the live-set gauges
func (r *Registry) UpdateSSTableMetrics(live int, bytes int64, entries uint64, bloomNegatives, cacheHits, cacheMisses int64) {
	r.SSTablesLive.Set(float64(live))
	r.SSTableBytes.Set(float64(bytes))
	r.SSTableEntries.Set(float64(entries))
	r.SSTableBloomNegatives.Set(float64(bloomNegatives))
	r.ChunkCacheHits.Set(float64(cacheHits))
	r.ChunkCacheMisses.Set(float64(cacheMisses))
}

// RecordWALAppend records one appended WAL record
func (r *Registry) RecordWALAppend(kind string, bytes int) {
	r.WALAppendsTotal.WithLabelValues(kind).Inc()
	r.WALBytesTotal.Add(float64(bytes))
}

// RecordWALError records a failed WAL operation
func (r *Registry) RecordWALError(operation string) {
	r.WALErrorsTotal.WithLabelValues(operation).Inc()
}

// UpdateWALMetrics sets the WAL gauges
func (r *Registry) UpdateWALMetrics(sizeBytes int64, syncs uint64, compressionRatio float64) {
	r.WALSizeBytes.Set(float64(sizeBytes))
	r.WALSyncsTotal.Set(float64(syncs))
	r.WALCompressionRatio.Set(compressionRatio)
}

// RecordCompaction records a finished or failed compaction
func (r *Registry) RecordCompaction(strategy string, err error, duration time.Duration, inputs int, outputBytes int64) {
	r.CompactionsTotal.WithLabelValues(strategy, status(err)).Inc()
	if err != nil {
		return
	}
	r.CompactionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	r.CompactionInputsTotal.Add(float64(inputs))
	r.CompactionOutputBytes.Add(float64(outputBytes))
}

// RecordManifestWrite records a manifest mutation and the state it left
func (r *Registry) RecordManifestWrite(kind string, err error, version uint64, activeSSTables int) {
	r.ManifestWritesTotal.WithLabelValues(kind, status(err)).Inc()
	if err != nil {
		return
	}
	r.ManifestVersion.Set(float64(version))
	r.ManifestActiveSSTable.Set(float64(activeSSTables))
}

// UpdateSystemMetrics samples goroutine and memory counts. Uptime is
// computed at scrape time and needs no update.
func (r *Registry) UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	r.Runtime.WithLabelValues(RuntimeGoroutines).Set(float64(runtime.NumGoroutine()))
	r.Runtime.WithLabelValues(RuntimeHeapAlloc).Set(float64(ms.Alloc))
	r.Runtime.WithLabelValues(RuntimeSys).Set(float64(ms.Sys))
}
