package vint

import (
	"encoding/binary"
	"math"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// AppendBytes appends a VInt length prefix followed by p.
func AppendBytes(dst, p []byte) []byte {
	dst = AppendUnsigned(dst, uint64(len(p)))
	return append(dst, p...)
}

// AppendString appends a VInt length prefix followed by s.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUnsigned(dst, uint64(len(s)))
	return append(dst, s...)
}

// Reader decodes VInts and big-endian fixed-width fields from a byte
// slice. The first failure is sticky: later calls return zero values and
// Err reports it.
type Reader struct {
	buf []byte
	off int
	err error
	op  string
}

// NewReader returns a Reader over buf. op names the caller in errors.
func NewReader(buf []byte, op string) *Reader {
	return &Reader{buf: buf, op: op}
}

// Err returns the first decode error.
func (r *Reader) Err() error { return r.err }

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(need int) {
	if r.err == nil {
		r.err = dberrors.Serialization(r.op, "truncated at offset %d: need %d bytes, have %d", r.off, need, r.Remaining())
	}
}

// Fail records a decode error unless one is already set.
func (r *Reader) Fail(format string, args ...any) {
	if r.err == nil {
		r.err = dberrors.Serialization(r.op, format, args...)
	}
}

// Next returns the next n bytes without copying.
func (r *Reader) Next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail(n)
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

// Vint reads a signed VInt.
func (r *Reader) Vint() int64 {
	return UnZigZag(r.Uvint())
}

// Uvint reads an unsigned VInt.
func (r *Reader) Uvint() uint64 {
	if r.err != nil {
		return 0
	}
	u, n, err := DecodeUnsigned(r.buf[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	r.off += n
	return u
}

// Len reads an unsigned VInt used as a length or count and bounds it by
// the remaining input divided by minElem.
func (r *Reader) Len(minElem int) int {
	u := r.Uvint()
	if r.err != nil {
		return 0
	}
	if minElem < 1 {
		minElem = 1
	}
	if u > uint64(r.Remaining()/minElem) {
		r.err = dberrors.Serialization(r.op, "length %d exceeds remaining %d bytes", u, r.Remaining())
		return 0
	}
	return int(u)
}

// Bytes reads a VInt-prefixed byte string. The result aliases the input.
func (r *Reader) Bytes() []byte {
	n := r.Len(1)
	return r.Next(n)
}

// Text reads a VInt-prefixed string.
func (r *Reader) Text() string {
	return string(r.Bytes())
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	p := r.Next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16() uint16 {
	p := r.Next(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() uint32 {
	p := r.Next(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() uint64 {
	p := r.Next(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

// Float64 reads a big-endian IEEE 754 double.
func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// Float32 reads a big-endian IEEE 754 single.
func (r *Reader) Float32() float32 {
	return math.Float32frombits(r.Uint32())
}
