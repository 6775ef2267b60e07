// Package format implements the binary layouts shared by SSTable
// components: the Data.db header, CompressionInfo.db, the filename
// convention with its format detector, and chunk compressors.
package format

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

// Family identifies the on-disk format family by its magic number.
type Family uint8

const (
	FamilyLegacy Family = iota // 'oa'
	Family50Alpha
	Family50Beta
	Family50Release
	Family50NewBig // 'nb'
	Family50BTI
)

// Magic numbers, one per family.
const (
	MagicLegacy    uint32 = 0x6F610000
	Magic50Alpha   uint32 = 0xAD010000
	Magic50Beta    uint32 = 0xA0070000
	Magic50Release uint32 = 0x43160000
	Magic50NewBig  uint32 = 0x00400000
	Magic50BTI     uint32 = 0x64610000
)

// SupportedVersion is the only header version this package reads.
const SupportedVersion uint16 = 0x0001

var familyMagic = map[Family]uint32{
	FamilyLegacy:    MagicLegacy,
	Family50Alpha:   Magic50Alpha,
	Family50Beta:    Magic50Beta,
	Family50Release: Magic50Release,
	Family50NewBig:  Magic50NewBig,
	Family50BTI:     Magic50BTI,
}

// Magic returns the family's magic number.
func (f Family) Magic() uint32 {
	return familyMagic[f]
}

func (f Family) String() string {
	switch f {
	case FamilyLegacy:
		return "legacy 'oa'"
	case Family50Alpha:
		return "5.0 alpha"
	case Family50Beta:
		return "5.0 beta"
	case Family50Release:
		return "5.0 release"
	case Family50NewBig:
		return "5.0 'nb'"
	case Family50BTI:
		return "5.0 bti"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// FamilyFromMagic maps a magic number to its family.
func FamilyFromMagic(magic uint32) (Family, bool) {
	for f, m := range familyMagic {
		if m == magic {
			return f, true
		}
	}
	return 0, false
}

// FamilyForVersion picks the header family written for a filename version
// token.
func FamilyForVersion(version string) Family {
	switch version {
	case "nb":
		return Family50NewBig
	case "da":
		return Family50BTI
	default:
		return FamilyLegacy
	}
}

// CompressionParams describes how the data section is compressed.
type CompressionParams struct {
	Algorithm  string
	ChunkSize  uint32
	Parameters map[string]string
}

// Statistics summarises the rows in a file.
type Statistics struct {
	RowCount         uint64
	MinTimestamp     int64
	MaxTimestamp     int64
	MaxDeletionTime  int64
	CompressionRatio float64
	RowSizeHistogram []uint64
}

// Column flag bits.
const (
	flagPartitionKey = 0x01
	flagStatic       = 0x02
	flagClustering   = 0x04
)

// ColumnInfo describes one column of the table schema.
type ColumnInfo struct {
	Name         string
	Type         string
	PartitionKey bool
	Static       bool
	Clustering   bool
	KeyPosition  uint16 // meaningful only when PartitionKey is set
}

// Header is the self-describing prefix of every Data.db file.
type Header struct {
	Family      Family
	Version     uint16
	TableID     uuid.UUID
	Keyspace    string
	Table       string
	Generation  uint64
	Compression CompressionParams
	Stats       Statistics
	Columns     []ColumnInfo
	Properties  map[string]string
}

// TableUUID derives a stable table id from keyspace and table names.
func TableUUID(keyspace, table string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(keyspace+"."+table))
}

// MarshalBinary encodes the header. Map entries are written in key order
// so equal headers encode identically.
func (h *Header) MarshalBinary() ([]byte, error) {
	magic, ok := familyMagic[h.Family]
	if !ok {
		return nil, dberrors.Serialization("header.marshal", "unknown family %d", h.Family)
	}

	buf := make([]byte, 0, 128)
	buf = binary.BigEndian.AppendUint32(buf, magic)
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = append(buf, h.TableID[:]...)
	buf = vint.AppendString(buf, h.Keyspace)
	buf = vint.AppendString(buf, h.Table)
	buf = binary.BigEndian.AppendUint64(buf, h.Generation)

	buf = vint.AppendString(buf, h.Compression.Algorithm)
	buf = binary.BigEndian.AppendUint32(buf, h.Compression.ChunkSize)
	buf = appendStringMap(buf, h.Compression.Parameters)

	s := h.Stats
	buf = binary.BigEndian.AppendUint64(buf, s.RowCount)
	buf = vint.Append(buf, s.MinTimestamp)
	buf = vint.Append(buf, s.MaxTimestamp)
	buf = vint.Append(buf, s.MaxDeletionTime)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.CompressionRatio))
	buf = vint.AppendUnsigned(buf, uint64(len(s.RowSizeHistogram)))
	for _, b := range s.RowSizeHistogram {
		buf = binary.BigEndian.AppendUint64(buf, b)
	}

	buf = vint.AppendUnsigned(buf, uint64(len(h.Columns)))
	for _, c := range h.Columns {
		buf = vint.AppendString(buf, c.Name)
		buf = vint.AppendString(buf, c.Type)
		var flags byte
		if c.PartitionKey {
			flags |= flagPartitionKey
		}
		if c.Static {
			flags |= flagStatic
		}
		if c.Clustering {
			flags |= flagClustering
		}
		buf = append(buf, flags)
		if c.PartitionKey {
			buf = binary.BigEndian.AppendUint16(buf, c.KeyPosition)
		}
	}

	buf = appendStringMap(buf, h.Properties)
	return buf, nil
}

func appendStringMap(buf []byte, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = vint.AppendUnsigned(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = vint.AppendString(buf, k)
		buf = vint.AppendString(buf, m[k])
	}
	return buf
}

// ReadMagicAndVersion validates the first six bytes of a header.
func ReadMagicAndVersion(data []byte) (Family, uint16, error) {
	if len(data) < 6 {
		return 0, 0, dberrors.Corruption("header.parse", "", "header truncated: %d bytes", len(data))
	}
	magic := binary.BigEndian.Uint32(data)
	family, ok := FamilyFromMagic(magic)
	if !ok {
		return 0, 0, dberrors.Corruption("header.parse", "", "unknown magic number %#08x", magic)
	}
	version := binary.BigEndian.Uint16(data[4:])
	if version != SupportedVersion {
		return 0, 0, dberrors.Corruption("header.parse", "", "unsupported version %#04x for %s", version, family)
	}
	return family, version, nil
}

// ParseHeader decodes a header from the front of data and returns it with
// the number of bytes consumed.
func ParseHeader(data []byte) (*Header, int, error) {
	family, version, err := ReadMagicAndVersion(data)
	if err != nil {
		return nil, 0, err
	}

	r := vint.NewReader(data[6:], "header.parse")
	h := &Header{Family: family, Version: version}
	copy(h.TableID[:], r.Next(16))
	h.Keyspace = r.Text()
	h.Table = r.Text()
	h.Generation = r.Uint64()

	h.Compression.Algorithm = r.Text()
	h.Compression.ChunkSize = r.Uint32()
	h.Compression.Parameters = readStringMap(r)

	h.Stats.RowCount = r.Uint64()
	h.Stats.MinTimestamp = r.Vint()
	h.Stats.MaxTimestamp = r.Vint()
	h.Stats.MaxDeletionTime = r.Vint()
	h.Stats.CompressionRatio = r.Float64()
	if n := r.Len(8); n > 0 {
		h.Stats.RowSizeHistogram = make([]uint64, n)
		for i := range h.Stats.RowSizeHistogram {
			h.Stats.RowSizeHistogram[i] = r.Uint64()
		}
	}

	if n := r.Len(3); n > 0 {
		h.Columns = make([]ColumnInfo, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			c := ColumnInfo{Name: r.Text(), Type: r.Text()}
			flags := r.Uint8()
			c.PartitionKey = flags&flagPartitionKey != 0
			c.Static = flags&flagStatic != 0
			c.Clustering = flags&flagClustering != 0
			if c.PartitionKey {
				c.KeyPosition = r.Uint16()
			}
			h.Columns = append(h.Columns, c)
		}
	}

	h.Properties = readStringMap(r)

	if err := r.Err(); err != nil {
		return nil, 0, dberrors.New(dberrors.KindCorruption, "header.parse").Cause(err).Err()
	}
	return h, 6 + r.Offset(), nil
}

func readStringMap(r *vint.Reader) map[string]string {
	n := r.Len(2)
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.Text()
		m[k] = r.Text()
	}
	return m
}
