package wal

import (
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

// EntryKind is the tag byte of a serialized entry.
type EntryKind uint8

const (
	KindPut EntryKind = iota + 1
	KindDelete
	KindCheckpoint
)

func (k EntryKind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Entry is one durable mutation. The set of implementations is closed.
type Entry interface {
	Kind() EntryKind
	isEntry()
}

type (
	// Put writes Value under (Table, Key).
	Put struct {
		Table     types.TableID
		Key       types.RowKey
		Value     types.Value
		Timestamp int64
	}
	// Delete writes a tombstone for (Table, Key).
	Delete struct {
		Table     types.TableID
		Key       types.RowKey
		Timestamp int64
	}
	// Checkpoint marks that every earlier entry is reflected in SSTables.
	Checkpoint struct {
		Timestamp int64
	}
)

func (Put) Kind() EntryKind        { return KindPut }
func (Delete) Kind() EntryKind     { return KindDelete }
func (Checkpoint) Kind() EntryKind { return KindCheckpoint }

func (Put) isEntry()        {}
func (Delete) isEntry()     {}
func (Checkpoint) isEntry() {}

// TimestampOf returns the microsecond timestamp of e.
func TimestampOf(e Entry) int64 {
	switch e := e.(type) {
	case Put:
		return e.Timestamp
	case Delete:
		return e.Timestamp
	case Checkpoint:
		return e.Timestamp
	default:
		return 0
	}
}

// appendEntry encodes tag | fields. Put: vstring table, vbytes key, vint
// ts, value. Delete: vstring table, vbytes key, vint ts. Checkpoint: vint ts.
func appendEntry(dst []byte, e Entry) []byte {
	dst = append(dst, byte(e.Kind()))
	switch e := e.(type) {
	case Put:
		dst = vint.AppendString(dst, string(e.Table))
		dst = vint.AppendBytes(dst, e.Key)
		dst = vint.Append(dst, e.Timestamp)
		dst = types.AppendValue(dst, e.Value)
	case Delete:
		dst = vint.AppendString(dst, string(e.Table))
		dst = vint.AppendBytes(dst, e.Key)
		dst = vint.Append(dst, e.Timestamp)
	case Checkpoint:
		dst = vint.Append(dst, e.Timestamp)
	}
	return dst
}

func decodeEntry(payload []byte) (Entry, error) {
	vr := vint.NewReader(payload, "wal.decode")
	var e Entry
	switch kind := EntryKind(vr.Uint8()); kind {
	case KindPut:
		p := Put{Table: types.TableID(vr.Text())}
		p.Key = append(types.RowKey(nil), vr.Bytes()...)
		p.Timestamp = vr.Vint()
		p.Value = types.ReadValue(vr)
		e = p
	case KindDelete:
		d := Delete{Table: types.TableID(vr.Text())}
		d.Key = append(types.RowKey(nil), vr.Bytes()...)
		d.Timestamp = vr.Vint()
		e = d
	case KindCheckpoint:
		e = Checkpoint{Timestamp: vr.Vint()}
	default:
		vr.Fail("unknown entry tag %d", kind)
	}
	if err := vr.Err(); err != nil {
		return nil, err
	}
	if vr.Remaining() != 0 {
		vr.Fail("%d trailing bytes", vr.Remaining())
		return nil, vr.Err()
	}
	return e, nil
}
