package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initManifestMetrics() {
	r.ManifestVersion = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_manifest_version",
			Help: "Current manifest version",
		},
	)

	r.ManifestWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_manifest_writes_total",
			Help: "Total number of manifest mutations",
		},
		[]string{"kind", "status"},
	)

	r.ManifestActiveSSTable = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: Namespace + "_manifest_active_sstables",
			Help: "SSTables recorded as live in the manifest",
		},
	)
}
