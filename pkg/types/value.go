package types

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the concrete type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBoolean
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindFloat32
	KindFloat64
	KindText
	KindBlob
	KindTimestamp
	KindUUID
	KindList
	KindSet
	KindMap
	KindTuple
	KindUDT
	KindFrozen
	KindTombstone
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindTinyInt:
		return "tinyint"
	case KindSmallInt:
		return "smallint"
	case KindInt:
		return "int"
	case KindBigInt:
		return "bigint"
	case KindFloat32:
		return "float"
	case KindFloat64:
		return "double"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindTimestamp:
		return "timestamp"
	case KindUUID:
		return "uuid"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindTuple:
		return "tuple"
	case KindUDT:
		return "udt"
	case KindFrozen:
		return "frozen"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a typed cell value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

type (
	// Null is the absent value.
	Null struct{}
	// Tombstone marks a deleted key; it shadows older values.
	Tombstone struct{}
	Boolean   bool
	TinyInt   int8
	SmallInt  int16
	Int       int32
	BigInt    int64
	Float32   float32
	Float64   float64
	Text      string
	Blob      []byte
	// Timestamp is microseconds since the Unix epoch.
	Timestamp int64
	UUID      uuid.UUID
	List      []Value
	Set       []Value
	Tuple     []Value
	Map       []MapEntry
	// UDT is a user-defined type instance.
	UDT struct {
		Name   string
		Fields []UDTField
	}
	// Frozen wraps a collection that is serialized as a single cell.
	Frozen struct {
		Inner Value
	}
)

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   Value
	Value Value
}

// UDTField is one named field of a UDT.
type UDTField struct {
	Name  string
	Value Value
}

func (Null) Kind() Kind      { return KindNull }
func (Tombstone) Kind() Kind { return KindTombstone }
func (Boolean) Kind() Kind   { return KindBoolean }
func (TinyInt) Kind() Kind   { return KindTinyInt }
func (SmallInt) Kind() Kind  { return KindSmallInt }
func (Int) Kind() Kind       { return KindInt }
func (BigInt) Kind() Kind    { return KindBigInt }
func (Float32) Kind() Kind   { return KindFloat32 }
func (Float64) Kind() Kind   { return KindFloat64 }
func (Text) Kind() Kind      { return KindText }
func (Blob) Kind() Kind      { return KindBlob }
func (Timestamp) Kind() Kind { return KindTimestamp }
func (UUID) Kind() Kind      { return KindUUID }
func (List) Kind() Kind      { return KindList }
func (Set) Kind() Kind       { return KindSet }
func (Tuple) Kind() Kind     { return KindTuple }
func (Map) Kind() Kind       { return KindMap }
func (UDT) Kind() Kind       { return KindUDT }
func (Frozen) Kind() Kind    { return KindFrozen }

func (Null) isValue()      {}
func (Tombstone) isValue() {}
func (Boolean) isValue()   {}
func (TinyInt) isValue()   {}
func (SmallInt) isValue()  {}
func (Int) isValue()       {}
func (BigInt) isValue()    {}
func (Float32) isValue()   {}
func (Float64) isValue()   {}
func (Text) isValue()      {}
func (Blob) isValue()      {}
func (Timestamp) isValue() {}
func (UUID) isValue()      {}
func (List) isValue()      {}
func (Set) isValue()       {}
func (Tuple) isValue()     {}
func (Map) isValue()       {}
func (UDT) isValue()       {}
func (Frozen) isValue()    {}

func (Null) String() string        { return "null" }
func (Tombstone) String() string   { return "<tombstone>" }
func (v Boolean) String() string   { return strconv.FormatBool(bool(v)) }
func (v TinyInt) String() string   { return strconv.FormatInt(int64(v), 10) }
func (v SmallInt) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v Int) String() string       { return strconv.FormatInt(int64(v), 10) }
func (v BigInt) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v Float32) String() string   { return strconv.FormatFloat(float64(v), 'g', -1, 32) }
func (v Float64) String() string   { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Text) String() string      { return strconv.Quote(string(v)) }
func (v Blob) String() string      { return fmt.Sprintf("0x%x", []byte(v)) }
func (v Timestamp) String() string { return strconv.FormatInt(int64(v), 10) }
func (v UUID) String() string      { return uuid.UUID(v).String() }
func (v List) String() string      { return joinValues("[", []Value(v), "]") }
func (v Set) String() string       { return joinValues("{", []Value(v), "}") }
func (v Tuple) String() string     { return joinValues("(", []Value(v), ")") }
func (v Frozen) String() string    { return "frozen<" + v.Inner.String() + ">" }

func (v Map) String() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Key.String() + ": " + e.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (v UDT) String() string {
	parts := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		parts[i] = f.Name + ": " + f.Value.String()
	}
	return v.Name + "{" + strings.Join(parts, ", ") + "}"
}

func joinValues(open string, vs []Value, close string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return open + strings.Join(parts, ", ") + close
}

// IsTombstone reports whether v marks a deletion.
func IsTombstone(v Value) bool {
	_, ok := v.(Tombstone)
	return ok
}

// Equal reports whether a and b hold the same kind and contents. Floats
// compare by bit pattern so NaN equals itself.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Null, Tombstone:
		return true
	case Boolean, TinyInt, SmallInt, Int, BigInt, Text, Timestamp, UUID:
		return a == b
	case Float32:
		return math.Float32bits(float32(x)) == math.Float32bits(float32(b.(Float32)))
	case Float64:
		return math.Float64bits(float64(x)) == math.Float64bits(float64(b.(Float64)))
	case Blob:
		return bytes.Equal(x, b.(Blob))
	case List:
		return equalSlices(x, b.(List))
	case Set:
		return equalSlices(x, b.(Set))
	case Tuple:
		return equalSlices(x, b.(Tuple))
	case Map:
		y := b.(Map)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i].Key, y[i].Key) || !Equal(x[i].Value, y[i].Value) {
				return false
			}
		}
		return true
	case UDT:
		y := b.(UDT)
		if x.Name != y.Name || len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			if x.Fields[i].Name != y.Fields[i].Name || !Equal(x.Fields[i].Value, y.Fields[i].Value) {
				return false
			}
		}
		return true
	case Frozen:
		return Equal(x.Inner, b.(Frozen).Inner)
	default:
		return false
	}
}

func equalSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
