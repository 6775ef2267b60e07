// Package vint implements Cassandra's variable-length integer encoding.
//
// Signed values are zig-zag mapped (n >= 0 -> 2n, n < 0 -> -2n-1) and the
// resulting unsigned value is written big-endian. The number of leading 1
// bits in the first byte gives the number of extra bytes that follow (0-8),
// so an encoded value is never longer than MaxLen bytes.
package vint

import (
	"io"
	"math/bits"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// MaxLen is the longest possible encoding.
const MaxLen = 9

// ZigZag maps a signed value onto the unsigned domain.
func ZigZag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// UnZigZag inverts ZigZag.
func UnZigZag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// UnsignedSize returns the encoded length of u.
func UnsignedSize(u uint64) int {
	magnitude := bits.LeadingZeros64(u | 1)
	return (639 - magnitude*9) >> 6
}

// Size returns the encoded length of v.
func Size(v int64) int {
	return UnsignedSize(ZigZag(v))
}

// AppendUnsigned appends the encoding of u to dst.
func AppendUnsigned(dst []byte, u uint64) []byte {
	size := UnsignedSize(u)
	if size == MaxLen {
		dst = append(dst, 0xFF)
		for shift := 56; shift >= 0; shift -= 8 {
			dst = append(dst, byte(u>>uint(shift)))
		}
		return dst
	}
	extra := size - 1
	start := len(dst)
	for i := extra; i >= 0; i-- {
		dst = append(dst, byte(u>>(uint(i)*8)))
	}
	dst[start] |= ^byte(0xFF >> uint(extra))
	return dst
}

// Append appends the encoding of v to dst.
func Append(dst []byte, v int64) []byte {
	return AppendUnsigned(dst, ZigZag(v))
}

// Encode returns the encoding of v.
func Encode(v int64) []byte {
	return Append(make([]byte, 0, Size(v)), v)
}

// EncodeUnsigned returns the encoding of u without zig-zag mapping.
func EncodeUnsigned(u uint64) []byte {
	return AppendUnsigned(make([]byte, 0, UnsignedSize(u)), u)
}

// ExtraBytes returns the number of bytes that follow a first byte b.
func ExtraBytes(b byte) int {
	return bits.LeadingZeros8(^b)
}

// DecodeUnsigned decodes an unsigned value from the front of b and
// returns it with the number of bytes consumed.
func DecodeUnsigned(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, lengthError(0, 1)
	}
	extra := ExtraBytes(b[0])
	if extra+1 > MaxLen {
		return 0, 0, dberrors.Serialization("vint.decode", "encoded length %d exceeds %d bytes", extra+1, MaxLen)
	}
	if len(b) < extra+1 {
		return 0, 0, lengthError(len(b), extra+1)
	}
	u := uint64(b[0] & (0xFF >> uint(extra)))
	for i := 1; i <= extra; i++ {
		u = u<<8 | uint64(b[i])
	}
	return u, extra + 1, nil
}

// Decode decodes a signed value from the front of b and returns it with
// the number of bytes consumed.
func Decode(b []byte) (int64, int, error) {
	u, n, err := DecodeUnsigned(b)
	if err != nil {
		return 0, 0, err
	}
	return UnZigZag(u), n, nil
}

// ReadUnsigned reads an unsigned value from r.
func ReadUnsigned(r io.ByteReader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, readError(err)
	}
	extra := ExtraBytes(first)
	u := uint64(first & (0xFF >> uint(extra)))
	for i := 0; i < extra; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, readError(err)
		}
		u = u<<8 | uint64(c)
	}
	return u, nil
}

// Read reads a signed value from r.
func Read(r io.ByteReader) (int64, error) {
	u, err := ReadUnsigned(r)
	if err != nil {
		return 0, err
	}
	return UnZigZag(u), nil
}

func lengthError(have, want int) error {
	return dberrors.Serialization("vint.decode", "truncated input: have %d bytes, need %d", have, want)
}

func readError(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return dberrors.New(dberrors.KindSerialization, "vint.read").Cause(err).Err()
}
