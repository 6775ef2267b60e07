package format

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

func sampleHeader() *Header {
	return &Header{
		Family:     Family50NewBig,
		Version:    SupportedVersion,
		TableID:    TableUUID("shop", "orders"),
		Keyspace:   "shop",
		Table:      "orders",
		Generation: 42,
		Compression: CompressionParams{
			Algorithm:  LZ4CompressorName,
			ChunkSize:  16384,
			Parameters: map[string]string{"crc_check_chance": "1.0"},
		},
		Stats: Statistics{
			RowCount:         3,
			MinTimestamp:     -5,
			MaxTimestamp:     1_700_000_000_000_000,
			MaxDeletionTime:  0,
			CompressionRatio: 0.42,
			RowSizeHistogram: []uint64{1, 2, 0},
		},
		Columns: []ColumnInfo{
			{Name: "id", Type: "uuid", PartitionKey: true, KeyPosition: 0},
			{Name: "ts", Type: "timestamp", Clustering: true},
			{Name: "owner", Type: "text", Static: true},
		},
		Properties: map[string]string{"comment": "orders", "bloom_filter_fp_chance": "0.01"},
	}
}

func TestHeader_RoundTrip(t *testing.T) {
	h := sampleHeader()
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	// Trailing bytes belong to the caller.
	data = append(data, 0xAA, 0xBB)

	got, n, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, len(data)-2, n)
	assert.Equal(t, h, got)
}

func TestHeader_AllFamilies(t *testing.T) {
	for _, f := range []Family{FamilyLegacy, Family50Alpha, Family50Beta, Family50Release, Family50NewBig, Family50BTI} {
		t.Run(f.String(), func(t *testing.T) {
			h := &Header{Family: f, Version: SupportedVersion, Keyspace: "ks", Table: "t"}
			data, err := h.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, f.Magic(), binary.BigEndian.Uint32(data))

			got, _, err := ParseHeader(data)
			require.NoError(t, err)
			assert.Equal(t, f, got.Family)
		})
	}
}

func TestParseHeader_RejectsUnknownMagic(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	_, _, err := ParseHeader(data)
	assert.True(t, dberrors.IsCorruption(err), "got %v", err)
}

func TestParseHeader_RejectsUnsupportedVersion(t *testing.T) {
	h := sampleHeader()
	h.Version = 2
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	_, _, err = ParseHeader(data)
	assert.True(t, dberrors.IsCorruption(err), "got %v", err)
}

func TestParseHeader_Truncated(t *testing.T) {
	data, err := sampleHeader().MarshalBinary()
	require.NoError(t, err)

	for _, cut := range []int{3, 20, len(data) / 2, len(data) - 1} {
		_, _, err := ParseHeader(data[:cut])
		assert.True(t, dberrors.IsCorruption(err), "cut at %d: %v", cut, err)
	}
}

func TestTableUUID_Stable(t *testing.T) {
	assert.Equal(t, TableUUID("a", "b"), TableUUID("a", "b"))
	assert.NotEqual(t, TableUUID("a", "b"), TableUUID("a", "c"))
}
