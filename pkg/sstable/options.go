package sstable

import (
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
)

// WriterOptions controls how new SSTables are written.
type WriterOptions struct {
	// Version is the filename version token (e.g. "oa", "nb").
	Version string
	// Compression is a compressor class name; empty writes uncompressed.
	Compression   string
	ChunkLength   uint32
	BloomFPRate   float64
	IndexInterval int
	Columns       []format.ColumnInfo
	Properties    map[string]string
}

// DefaultWriterOptions returns uncompressed 'oa' tables with a 1% filter.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Version:       DefaultVersion,
		ChunkLength:   DefaultChunkLength,
		BloomFPRate:   DefaultBloomFPRate,
		IndexInterval: DefaultIndexInterval,
	}
}

func (o *WriterOptions) applyDefaults() {
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.ChunkLength == 0 {
		o.ChunkLength = DefaultChunkLength
	}
	if o.BloomFPRate == 0 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	if o.IndexInterval == 0 {
		o.IndexInterval = DefaultIndexInterval
	}
}

// Validate checks option ranges.
func (o WriterOptions) Validate() error {
	const op = "sstable.options"
	if o.ChunkLength > format.MaxChunkLength {
		return dberrors.Configuration(op, "chunk length %d exceeds %d", o.ChunkLength, format.MaxChunkLength)
	}
	if o.BloomFPRate < 0 || o.BloomFPRate >= 1 {
		return dberrors.Configuration(op, "bloom false positive rate %v outside (0, 1)", o.BloomFPRate)
	}
	if o.IndexInterval < 0 {
		return dberrors.Configuration(op, "negative index interval %d", o.IndexInterval)
	}
	if _, err := format.CompressorFor(o.Compression); err != nil {
		return err
	}
	return nil
}

// compressed reports whether the options select a real compressor.
func (o WriterOptions) compressed() bool {
	return o.Compression != "" && o.Compression != format.NoopCompressorName
}
