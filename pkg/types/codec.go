package types

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/vint"
)

// maxDepth bounds collection nesting when decoding.
const maxDepth = 64

// AppendValue appends the binary encoding of v: a one-byte kind tag
// followed by the kind's payload. A nil Value encodes as Null.
func AppendValue(dst []byte, v Value) []byte {
	if v == nil {
		v = Null{}
	}
	dst = append(dst, byte(v.Kind()))
	switch x := v.(type) {
	case Null, Tombstone:
	case Boolean:
		if x {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case TinyInt:
		dst = append(dst, byte(x))
	case SmallInt:
		dst = binary.BigEndian.AppendUint16(dst, uint16(x))
	case Int:
		dst = binary.BigEndian.AppendUint32(dst, uint32(x))
	case BigInt:
		dst = binary.BigEndian.AppendUint64(dst, uint64(x))
	case Float32:
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(x)))
	case Float64:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(x)))
	case Text:
		dst = vint.AppendString(dst, string(x))
	case Blob:
		dst = vint.AppendBytes(dst, x)
	case Timestamp:
		dst = vint.Append(dst, int64(x))
	case UUID:
		dst = append(dst, x[:]...)
	case List:
		dst = appendValues(dst, x)
	case Set:
		dst = appendValues(dst, x)
	case Tuple:
		dst = appendValues(dst, x)
	case Map:
		dst = vint.AppendUnsigned(dst, uint64(len(x)))
		for _, e := range x {
			dst = AppendValue(dst, e.Key)
			dst = AppendValue(dst, e.Value)
		}
	case UDT:
		dst = vint.AppendString(dst, x.Name)
		dst = vint.AppendUnsigned(dst, uint64(len(x.Fields)))
		for _, f := range x.Fields {
			dst = vint.AppendString(dst, f.Name)
			dst = AppendValue(dst, f.Value)
		}
	case Frozen:
		dst = AppendValue(dst, x.Inner)
	}
	return dst
}

func appendValues(dst []byte, vs []Value) []byte {
	dst = vint.AppendUnsigned(dst, uint64(len(vs)))
	for _, v := range vs {
		dst = AppendValue(dst, v)
	}
	return dst
}

// EncodeValue returns the binary encoding of v.
func EncodeValue(v Value) []byte {
	return AppendValue(nil, v)
}

// DecodeValue decodes a single value occupying all of data.
func DecodeValue(data []byte) (Value, error) {
	r := vint.NewReader(data, "types.decode")
	v := ReadValue(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, dberrors.Serialization("types.decode", "%d trailing bytes after value", r.Remaining())
	}
	return v, nil
}

// ReadValue decodes one value from r. Errors are reported through r.Err.
func ReadValue(r *vint.Reader) Value {
	return readValue(r, 0)
}

func readValue(r *vint.Reader, depth int) Value {
	if depth > maxDepth {
		r.Fail("value nesting deeper than %d", maxDepth)
		return nil
	}
	tag := Kind(r.Uint8())
	if r.Err() != nil {
		return nil
	}
	switch tag {
	case KindNull:
		return Null{}
	case KindTombstone:
		return Tombstone{}
	case KindBoolean:
		return Boolean(r.Uint8() != 0)
	case KindTinyInt:
		return TinyInt(int8(r.Uint8()))
	case KindSmallInt:
		return SmallInt(int16(r.Uint16()))
	case KindInt:
		return Int(int32(r.Uint32()))
	case KindBigInt:
		return BigInt(int64(r.Uint64()))
	case KindFloat32:
		return Float32(r.Float32())
	case KindFloat64:
		return Float64(r.Float64())
	case KindText:
		return Text(r.Text())
	case KindBlob:
		return Blob(append([]byte(nil), r.Bytes()...))
	case KindTimestamp:
		return Timestamp(r.Vint())
	case KindUUID:
		var id uuid.UUID
		copy(id[:], r.Next(16))
		return UUID(id)
	case KindList:
		return List(readValues(r, depth))
	case KindSet:
		return Set(readValues(r, depth))
	case KindTuple:
		return Tuple(readValues(r, depth))
	case KindMap:
		n := r.Len(2)
		m := make(Map, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			k := readValue(r, depth+1)
			v := readValue(r, depth+1)
			m = append(m, MapEntry{Key: k, Value: v})
		}
		return m
	case KindUDT:
		u := UDT{Name: r.Text()}
		n := r.Len(2)
		u.Fields = make([]UDTField, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			name := r.Text()
			u.Fields = append(u.Fields, UDTField{Name: name, Value: readValue(r, depth+1)})
		}
		return u
	case KindFrozen:
		return Frozen{Inner: readValue(r, depth+1)}
	default:
		r.Fail("unknown value tag %d at offset %d", uint8(tag), r.Offset()-1)
		return nil
	}
}

func readValues(r *vint.Reader, depth int) []Value {
	n := r.Len(1)
	vs := make([]Value, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		vs = append(vs, readValue(r, depth+1))
	}
	return vs
}
