package wal

import (
	"path/filepath"
)

// CompressedWAL is a WAL whose record payloads are snappy-compressed. It
// lives in wal_compressed.log and uses the same framing.
type CompressedWAL struct {
	*WAL
}

// OpenCompressed opens or creates dir/wal_compressed.log.
func OpenCompressed(dir string, opts Options) (*CompressedWAL, error) {
	w, err := open(filepath.Join(dir, CompressedFileName), true, opts)
	if err != nil {
		return nil, err
	}
	return &CompressedWAL{WAL: w}, nil
}

// CompressionStats returns bytes before and after compression and their
// ratio.
func (c *CompressedWAL) CompressionStats() (uncompressed, compressed uint64, ratio float64) {
	s := c.Stats()
	return s.BytesUncompressed, s.BytesCompressed, s.CompressionRatio()
}
