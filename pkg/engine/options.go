package engine

import (
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/metrics"
)

type options struct {
	logger  logging.Logger
	metrics *metrics.Registry
	clock   func() int64
}

// Option customizes Open.
type Option func(*options)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records into r instead of a private registry. It has no
// effect when metrics are disabled in the configuration.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) { o.metrics = r }
}

// WithClock sets the WAL clock, in microseconds since the epoch.
func WithClock(clock func() int64) Option {
	return func(o *options) { o.clock = clock }
}
