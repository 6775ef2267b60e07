package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime stat label values
const (
	RuntimeGoroutines = "goroutines"
	RuntimeHeapAlloc  = "heap_alloc_bytes"
	RuntimeSys        = "sys_bytes"
)

func (r *Registry) initSystemMetrics() {
	factory := promauto.With(r.registry)

	// evaluated on every scrape
	r.UptimeSeconds = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: Namespace + "_uptime_seconds",
			Help: "Time since the registry was created in seconds",
		},
		func() float64 { return time.Since(r.started).Seconds() },
	)

	r.Runtime = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: Namespace + "_runtime",
			Help: "Go runtime statistics, sampled when engine stats are read",
		},
		[]string{"stat"},
	)
}
