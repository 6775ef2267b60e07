package format

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

func TestCompressionInfo_Chunks(t *testing.T) {
	info := &CompressionInfo{
		Algorithm:    LZ4CompressorName,
		ChunkLength:  4096,
		DataLength:   10000,
		ChunkOffsets: []uint64{100, 1100, 2300},
	}
	require.NoError(t, info.Validate())

	assert.Equal(t, 0, info.ChunkForOffset(0))
	assert.Equal(t, 2, info.ChunkForOffset(9000))
	assert.Equal(t, uint64(808), info.OffsetWithinChunk(9000))

	size, ok := info.CompressedChunkSize(1, 3000)
	require.True(t, ok)
	assert.Equal(t, uint64(1200), size)

	size, ok = info.CompressedChunkSize(2, 3000)
	require.True(t, ok)
	assert.Equal(t, uint64(700), size, "last chunk runs to the end of the compressed section")

	_, ok = info.CompressedChunkSize(3, 3000)
	assert.False(t, ok)
	assert.InDelta(t, 0.29, info.CompressionRatio(3000), 1e-9)
}

func TestCompressionInfo_Validate(t *testing.T) {
	tests := []struct {
		name string
		info CompressionInfo
	}{
		{"empty algorithm", CompressionInfo{ChunkLength: 16, DataLength: 1, ChunkOffsets: []uint64{0}}},
		{"zero chunk length", CompressionInfo{Algorithm: "x", DataLength: 1, ChunkOffsets: []uint64{0}}},
		{"oversized chunk", CompressionInfo{Algorithm: "x", ChunkLength: MaxChunkLength + 1, DataLength: 1, ChunkOffsets: []uint64{0}}},
		{"descending offsets", CompressionInfo{Algorithm: "x", ChunkLength: 16, DataLength: 32, ChunkOffsets: []uint64{50, 40}}},
		{"duplicate offsets", CompressionInfo{Algorithm: "x", ChunkLength: 16, DataLength: 32, ChunkOffsets: []uint64{50, 50}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			assert.True(t, dberrors.IsCorruption(err), "got %v", err)
		})
	}
}

func TestCompressionInfo_CheckCoverage(t *testing.T) {
	exact := CompressionInfo{Algorithm: "x", ChunkLength: 16, DataLength: 32, ChunkOffsets: []uint64{0, 10}}
	assert.NoError(t, exact.CheckCoverage())

	short := CompressionInfo{Algorithm: "x", ChunkLength: 16, DataLength: 33, ChunkOffsets: []uint64{0, 10}}
	assert.NoError(t, short.Validate())
	assert.True(t, dberrors.IsCorruption(short.CheckCoverage()))

	empty := CompressionInfo{Algorithm: "x", ChunkLength: 16}
	assert.NoError(t, empty.CheckCoverage())
}

func TestParseCompressionInfo_AcceptsUncheckedChunkCount(t *testing.T) {
	// an empty data section that still lists one chunk parses; readers
	// reject it through CheckCoverage
	info := &CompressionInfo{Algorithm: LZ4CompressorName, ChunkLength: 4096, DataLength: 0, ChunkOffsets: []uint64{0}}
	data, err := info.MarshalBinary()
	require.NoError(t, err)

	parsed, err := ParseCompressionInfo(data)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.ChunkCount())
	assert.Equal(t, uint64(0), parsed.DataLength)
	assert.True(t, dberrors.IsCorruption(parsed.CheckCoverage()))
}

func TestParseCompressionInfo_Truncated(t *testing.T) {
	info := &CompressionInfo{Algorithm: SnappyCompressorName, ChunkLength: 64, DataLength: 100, ChunkOffsets: []uint64{10, 60}}
	data, err := info.MarshalBinary()
	require.NoError(t, err)

	_, err = ParseCompressionInfo(data[:len(data)-1])
	assert.Error(t, err)
	_, err = ParseCompressionInfo(data[:1])
	assert.Error(t, err)
}

func genCompressionInfo() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(LZ4CompressorName, SnappyCompressorName, ZstdCompressorName),
		gen.UInt32Range(1024, 65536),
		gen.UInt64Range(0, 1<<22),
		gen.UInt64Range(0, 1<<20),
	).Map(func(vals []any) *CompressionInfo {
		info := &CompressionInfo{
			Algorithm:   vals[0].(string),
			ChunkLength: vals[1].(uint32),
			DataLength:  vals[2].(uint64),
		}
		count := (info.DataLength + uint64(info.ChunkLength) - 1) / uint64(info.ChunkLength)
		off := vals[3].(uint64)
		for i := uint64(0); i < count; i++ {
			info.ChunkOffsets = append(info.ChunkOffsets, off)
			off += 1 + i%97
		}
		return info
	})
}

func TestProperty_CompressionInfo(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(serialize(info)) == info", prop.ForAll(
		func(info *CompressionInfo) bool {
			data, err := info.MarshalBinary()
			if err != nil {
				return false
			}
			got, err := ParseCompressionInfo(data)
			if err != nil || got.Algorithm != info.Algorithm || got.ChunkLength != info.ChunkLength ||
				got.DataLength != info.DataLength || len(got.ChunkOffsets) != len(info.ChunkOffsets) {
				return false
			}
			for i := range got.ChunkOffsets {
				if got.ChunkOffsets[i] != info.ChunkOffsets[i] {
					return false
				}
			}
			return true
		},
		genCompressionInfo(),
	))

	properties.Property("chunk*len + within == offset", prop.ForAll(
		func(chunkLen uint32, off uint64) bool {
			info := &CompressionInfo{ChunkLength: chunkLen}
			return uint64(info.ChunkForOffset(off))*uint64(chunkLen)+info.OffsetWithinChunk(off) == off
		},
		gen.UInt32Range(1, MaxChunkLength),
		gen.UInt64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}
