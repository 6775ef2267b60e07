// Package types defines the data model handed to the storage engine by its
// callers: table identifiers, row keys and typed cell values.
package types

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// TableID is a keyspace-qualified table name such as "shop.orders".
type TableID string

// NewTableID joins keyspace and table.
func NewTableID(keyspace, table string) TableID {
	if keyspace == "" {
		return TableID(table)
	}
	return TableID(keyspace + "." + table)
}

// Keyspace returns the part before the first dot, or "" if there is none.
func (t TableID) Keyspace() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return ""
}

// Table returns the part after the first dot.
func (t TableID) Table() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[i+1:])
	}
	return string(t)
}

// RowKey is a byte-comparable partition/clustering key.
type RowKey []byte

// Compare orders keys bytewise.
func (k RowKey) Compare(other RowKey) int {
	return bytes.Compare(k, other)
}

func (k RowKey) String() string {
	return string(k)
}

// CompositeKey builds a multi-component key using Cassandra's composite
// framing: u16 length | bytes | 0x00 end-of-component per part. A single
// component is returned unframed.
func CompositeKey(parts ...[]byte) RowKey {
	if len(parts) == 1 {
		return append(RowKey(nil), parts[0]...)
	}
	var size int
	for _, p := range parts {
		size += 3 + len(p)
	}
	key := make(RowKey, 0, size)
	for _, p := range parts {
		key = binary.BigEndian.AppendUint16(key, uint16(len(p)))
		key = append(key, p...)
		key = append(key, 0x00)
	}
	return key
}

// SplitCompositeKey inverts CompositeKey for keys with two or more parts.
func SplitCompositeKey(key RowKey) ([][]byte, bool) {
	var parts [][]byte
	for len(key) > 0 {
		if len(key) < 3 {
			return nil, false
		}
		n := int(binary.BigEndian.Uint16(key))
		if len(key) < 3+n || key[2+n] != 0x00 {
			return nil, false
		}
		parts = append(parts, key[2:2+n])
		key = key[3+n:]
	}
	return parts, true
}
