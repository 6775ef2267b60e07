// Package sstable reads and writes immutable sorted tables and manages the
// live set of them in a data directory.
//
// Data.db layout:
//
//	[Header]                         format.Header
//	[Data section]                   entries in (table, key) order, optionally
//	                                 split into compressed chunks each followed
//	                                 by a crc32
//	[Index section]                  counts + sparse index every IndexInterval keys
//	[Bloom section]                  u32 length | bloom filter
//	[Footer]                         u64 index_offset | u32 header_len |
//	                                 u32 crc32(header+index+bloom) | u32 magic
//
// Sidecar components: CompressionInfo.db (compressed files only),
// Digest.crc32 and TOC.txt.
package sstable

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

const (
	FooterMagic          = 0x53535442 // "SSTB"
	FooterSize           = 20
	DefaultIndexInterval = 128 // index entry every N keys
	DefaultVersion       = "oa"
	DefaultChunkLength   = 16 * 1024
	DefaultBloomFPRate   = 0.01

	// PrecedenceProperty is the header property holding a table's precedence.
	PrecedenceProperty = "precedence"
)

// ID identifies an SSTable within a data directory. Generations are
// allocated monotonically and never reused.
type ID struct {
	Version    string
	Generation uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%s-%d-%s", id.Version, id.Generation, format.DefaultSize)
}

// Descriptor returns the component naming for id inside dir.
func (id ID) Descriptor(dir string) format.Descriptor {
	return format.Descriptor{
		Dir:        dir,
		Version:    id.Version,
		Generation: id.Generation,
		Size:       format.DefaultSize,
		Component:  format.ComponentData,
	}
}

// DataPath returns the Data.db path of id inside dir.
func (id ID) DataPath(dir string) string {
	return id.Descriptor(dir).Path(format.ComponentData)
}

// ParseID parses the "{version}-{generation}-{size}" form.
func ParseID(s string) (ID, error) {
	desc, err := format.ParseFilename(s + "-" + format.ComponentData.Suffix())
	if err != nil {
		return ID{}, err
	}
	return ID{Version: desc.Version, Generation: desc.Generation}, nil
}

// Entry is one cell written to an SSTable. A types.Tombstone value marks
// a deletion.
type Entry struct {
	Table     types.TableID
	Key       types.RowKey
	Value     types.Value
	Timestamp int64 // microseconds
}

// Compare orders entries by table, then key.
func Compare(a, b *Entry) int {
	return compareKey(a.Table, a.Key, b.Table, b.Key)
}

func compareKey(t1 types.TableID, k1 []byte, t2 types.TableID, k2 []byte) int {
	if c := strings.Compare(string(t1), string(t2)); c != 0 {
		return c
	}
	return bytes.Compare(k1, k2)
}

// bloomKey composes the filter key for (table, key).
func bloomKey(table types.TableID, key []byte) []byte {
	buf := vint.AppendString(make([]byte, 0, len(table)+len(key)+2), string(table))
	return append(buf, key...)
}

// KV is one live row returned by scans.
type KV struct {
	Key       types.RowKey
	Value     types.Value
	Timestamp int64
}

// Info describes a written SSTable.
type Info struct {
	ID           ID
	Path         string
	Size         int64
	EntryCount   uint64
	Tables       []types.TableID
	MinTimestamp int64
	MaxTimestamp int64
	Compressed   bool
	CreatedAt    time.Time
	// Precedence ranks the table's data against other live tables when
	// timestamps tie. A flushed table's precedence is its generation; a
	// merge output inherits the highest precedence of its sources, so it
	// never outranks a newer table it did not absorb.
	Precedence uint64
}

// Supersedes reports whether a version stored at (ts, prec) wins over one
// at (otherTs, otherPrec): later timestamps win, ties go to the table with
// the higher precedence.
func Supersedes(ts int64, prec uint64, otherTs int64, otherPrec uint64) bool {
	if ts != otherTs {
		return ts > otherTs
	}
	return prec > otherPrec
}
