package format

import (
	"encoding/binary"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

const (
	maxAlgorithmNameLen = 256
	maxChunkCount       = 1_000_000
	// MaxChunkLength bounds the uncompressed size of one chunk.
	MaxChunkLength = 1 << 20
)

// CompressionInfo is the content of a CompressionInfo.db component: the
// compressor, chunk geometry and the file offset of every compressed chunk.
type CompressionInfo struct {
	Algorithm    string
	ChunkLength  uint32
	DataLength   uint64 // uncompressed length of the data section
	ChunkOffsets []uint64
}

// ParseCompressionInfo decodes a CompressionInfo.db component:
// u16 name length | name | u32 chunk length | u64 data length |
// u32 chunk count | count x u64 offsets, all big-endian.
func ParseCompressionInfo(data []byte) (*CompressionInfo, error) {
	const op = "compressioninfo.parse"
	if len(data) < 2 {
		return nil, dberrors.Corruption(op, "", "truncated algorithm name length")
	}
	nameLen := int(binary.BigEndian.Uint16(data))
	if nameLen > maxAlgorithmNameLen {
		return nil, dberrors.Corruption(op, "", "algorithm name too long: %d", nameLen)
	}
	pos := 2
	if len(data) < pos+nameLen+4+8+4 {
		return nil, dberrors.Corruption(op, "", "truncated header: %d bytes", len(data))
	}
	info := &CompressionInfo{Algorithm: string(data[pos : pos+nameLen])}
	pos += nameLen
	info.ChunkLength = binary.BigEndian.Uint32(data[pos:])
	pos += 4
	info.DataLength = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	count := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if count > maxChunkCount {
		return nil, dberrors.Corruption(op, "", "too many chunks: %d", count)
	}
	if len(data)-pos != int(count)*8 {
		return nil, dberrors.Corruption(op, "", "%d chunk offsets need %d bytes, have %d", count, count*8, len(data)-pos)
	}
	info.ChunkOffsets = make([]uint64, count)
	for i := range info.ChunkOffsets {
		info.ChunkOffsets[i] = binary.BigEndian.Uint64(data[pos:])
		pos += 8
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// MarshalBinary encodes info in the layout read by ParseCompressionInfo.
func (c *CompressionInfo) MarshalBinary() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+len(c.Algorithm)+16+8*len(c.ChunkOffsets))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Algorithm)))
	buf = append(buf, c.Algorithm...)
	buf = binary.BigEndian.AppendUint32(buf, c.ChunkLength)
	buf = binary.BigEndian.AppendUint64(buf, c.DataLength)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.ChunkOffsets)))
	for _, off := range c.ChunkOffsets {
		buf = binary.BigEndian.AppendUint64(buf, off)
	}
	return buf, nil
}

// Validate checks the structural invariants. It does not tie the chunk
// count to DataLength; see CheckCoverage.
func (c *CompressionInfo) Validate() error {
	const op = "compressioninfo.validate"
	switch {
	case c.Algorithm == "":
		return dberrors.Corruption(op, "", "empty compression algorithm")
	case len(c.Algorithm) > maxAlgorithmNameLen:
		return dberrors.Corruption(op, "", "algorithm name too long: %d", len(c.Algorithm))
	case c.ChunkLength == 0:
		return dberrors.Corruption(op, "", "zero chunk length")
	case c.ChunkLength > MaxChunkLength:
		return dberrors.Corruption(op, "", "chunk length too large: %d", c.ChunkLength)
	case len(c.ChunkOffsets) > maxChunkCount:
		return dberrors.Corruption(op, "", "too many chunks: %d", len(c.ChunkOffsets))
	}
	for i := 1; i < len(c.ChunkOffsets); i++ {
		if c.ChunkOffsets[i] <= c.ChunkOffsets[i-1] {
			return dberrors.Corruption(op, "", "chunk offsets not ascending: %d <= %d", c.ChunkOffsets[i], c.ChunkOffsets[i-1])
		}
	}
	return nil
}

// CheckCoverage reports whether the chunks exactly cover DataLength, which
// readers need before they can map offsets to chunks. Parsing alone does
// not require it.
func (c *CompressionInfo) CheckCoverage() error {
	if c.ChunkLength == 0 {
		return dberrors.Corruption("compressioninfo.coverage", "", "zero chunk length")
	}
	want := (c.DataLength + uint64(c.ChunkLength) - 1) / uint64(c.ChunkLength)
	if uint64(len(c.ChunkOffsets)) != want {
		return dberrors.Corruption("compressioninfo.coverage", "", "%d chunk offsets for %d bytes of %d-byte chunks", len(c.ChunkOffsets), c.DataLength, c.ChunkLength)
	}
	return nil
}

// ChunkCount returns the number of chunks.
func (c *CompressionInfo) ChunkCount() int {
	return len(c.ChunkOffsets)
}

// ChunkForOffset returns the chunk holding uncompressed offset off.
func (c *CompressionInfo) ChunkForOffset(off uint64) int {
	return int(off / uint64(c.ChunkLength))
}

// OffsetWithinChunk returns off's position inside its chunk.
func (c *CompressionInfo) OffsetWithinChunk(off uint64) uint64 {
	return off % uint64(c.ChunkLength)
}

// CompressedChunkOffset returns where chunk i starts in the file.
func (c *CompressionInfo) CompressedChunkOffset(i int) (uint64, bool) {
	if i < 0 || i >= len(c.ChunkOffsets) {
		return 0, false
	}
	return c.ChunkOffsets[i], true
}

// CompressedChunkSize returns the stored size of chunk i: the distance to
// the next chunk, or to totalCompressed for the last one.
func (c *CompressionInfo) CompressedChunkSize(i int, totalCompressed uint64) (uint64, bool) {
	start, ok := c.CompressedChunkOffset(i)
	if !ok {
		return 0, false
	}
	end := totalCompressed
	if i+1 < len(c.ChunkOffsets) {
		end = c.ChunkOffsets[i+1]
	}
	if end < start {
		return 0, false
	}
	return end - start, true
}

// CompressionRatio returns compressed/uncompressed size, where the
// compressed section spans from the first chunk offset to totalCompressed.
func (c *CompressionInfo) CompressionRatio(totalCompressed uint64) float64 {
	if c.DataLength == 0 || len(c.ChunkOffsets) == 0 {
		return 1
	}
	return float64(totalCompressed-c.ChunkOffsets[0]) / float64(c.DataLength)
}
