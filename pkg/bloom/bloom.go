// Package bloom implements the probabilistic membership filter stored with
// every SSTable.
// - False positives possible (may say a key exists when it doesn't)
// - False negatives impossible (if it says a key doesn't exist, it doesn't)
package bloom

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// maxBits caps the filter at 1 billion bits (~119 MB).
const maxBits = 1_000_000_000

// Filter is a bloom filter using double hashing over a packed bit array.
type Filter struct {
	words        []uint64
	bitCount     uint64
	hashCount    uint32
	expected     uint64
	targetFPRate float64
}

// Stats describes the filter's occupancy.
type Stats struct {
	BitCount          uint64
	HashCount         uint32
	BitsSet           uint64
	FillRatio         float64
	MemoryUsage       int
	ExpectedElements  uint64
	FalsePositiveRate float64
}

// New creates a filter sized for expectedElements at the given false
// positive rate.
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = ceil((m/n) * ln(2))
func New(expectedElements uint64, fpRate float64) (*Filter, error) {
	if expectedElements == 0 {
		return nil, dberrors.Configuration("bloom.new", "expected elements must be positive")
	}
	if !(fpRate > 0 && fpRate < 1) {
		return nil, dberrors.Configuration("bloom.new", "false positive rate %v outside (0, 1)", fpRate)
	}

	n := float64(expectedElements)
	m := math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m > maxBits {
		m = maxBits
	}
	if m < 1 {
		m = 1
	}
	k := math.Ceil((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}

	bitCount := uint64(m)
	return &Filter{
		words:        make([]uint64, (bitCount+63)/64),
		bitCount:     bitCount,
		hashCount:    uint32(k),
		expected:     expectedElements,
		targetFPRate: fpRate,
	}, nil
}

// hashes returns two independent 64-bit hashes of key.
func hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)

	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write([]byte{0xFF}) // different seed for hash2
	h2 := d.Sum64()

	// Keep h2 odd so probes don't collapse onto one bit.
	return h1, h2 | 1
}

// Insert adds key to the filter.
func (f *Filter) Insert(key []byte) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < uint64(f.hashCount); i++ {
		bit := (h1 + i*h2) % f.bitCount
		f.words[bit>>6] |= 1 << (bit & 63)
	}
}

// Contains reports whether key might be in the set. A false result is
// definitive.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < uint64(f.hashCount); i++ {
		bit := (h1 + i*h2) % f.bitCount
		if f.words[bit>>6]&(1<<(bit&63)) == 0 {
			return false
		}
	}
	return true
}

// BitCount returns the size of the filter in bits.
func (f *Filter) BitCount() uint64 { return f.bitCount }

// HashCount returns the number of probes per key.
func (f *Filter) HashCount() uint32 { return f.hashCount }

// ExpectedElements returns the element count the filter was sized for.
func (f *Filter) ExpectedElements() uint64 { return f.expected }

// MemoryUsage returns the bytes held by the bit array.
func (f *Filter) MemoryUsage() int {
	return len(f.words) * 8
}

func (f *Filter) bitsSet() uint64 {
	var n int
	for _, w := range f.words {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

// EstimatedFalsePositiveRate estimates the false positive rate after
// inserted elements: (1 - (1 - 1/m)^(k*n))^k.
func (f *Filter) EstimatedFalsePositiveRate(inserted uint64) float64 {
	k := float64(f.hashCount)
	n := float64(inserted)
	m := float64(f.bitCount)
	return math.Pow(1-math.Pow(1-1/m, k*n), k)
}

// Stats reports occupancy and the estimated false positive rate at the
// sizing capacity.
func (f *Filter) Stats() Stats {
	set := f.bitsSet()
	return Stats{
		BitCount:          f.bitCount,
		HashCount:         f.hashCount,
		BitsSet:           set,
		FillRatio:         float64(set) / float64(f.bitCount),
		MemoryUsage:       f.MemoryUsage(),
		ExpectedElements:  f.expected,
		FalsePositiveRate: f.EstimatedFalsePositiveRate(f.expected),
	}
}

// Clear resets every bit.
func (f *Filter) Clear() {
	clear(f.words)
}

// Merge ORs other into f. Both filters must share the same geometry.
func (f *Filter) Merge(other *Filter) error {
	if f.bitCount != other.bitCount || f.hashCount != other.hashCount {
		return dberrors.Newf(dberrors.KindInvalidOperation, "bloom.merge",
			"incompatible filters: %d bits/%d hashes vs %d bits/%d hashes",
			f.bitCount, f.hashCount, other.bitCount, other.hashCount)
	}
	for i := range f.words {
		f.words[i] |= other.words[i]
	}
	return nil
}

const headerSize = 4 + 8 + 8 + 8

// MarshalBinary serializes the filter:
// hashCount u32 | bitCount u64 | expected u64 | fpRate f64 | words, big-endian.
func (f *Filter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize+len(f.words)*8)
	binary.BigEndian.PutUint32(buf[0:], f.hashCount)
	binary.BigEndian.PutUint64(buf[4:], f.bitCount)
	binary.BigEndian.PutUint64(buf[12:], f.expected)
	binary.BigEndian.PutUint64(buf[20:], math.Float64bits(f.targetFPRate))
	for i, w := range f.words {
		binary.BigEndian.PutUint64(buf[headerSize+i*8:], w)
	}
	return buf, nil
}

// UnmarshalBinary restores a filter written by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return dberrors.Serialization("bloom.unmarshal", "filter too short: %d bytes", len(data))
	}
	hashCount := binary.BigEndian.Uint32(data[0:])
	bitCount := binary.BigEndian.Uint64(data[4:])
	if bitCount == 0 || bitCount > maxBits || hashCount == 0 {
		return dberrors.Serialization("bloom.unmarshal", "invalid geometry: %d bits, %d hashes", bitCount, hashCount)
	}
	wordCount := (bitCount + 63) / 64
	if uint64(len(data)-headerSize) != wordCount*8 {
		return dberrors.Serialization("bloom.unmarshal", "bit array is %d bytes, want %d", len(data)-headerSize, wordCount*8)
	}

	f.hashCount = hashCount
	f.bitCount = bitCount
	f.expected = binary.BigEndian.Uint64(data[12:])
	f.targetFPRate = math.Float64frombits(binary.BigEndian.Uint64(data[20:]))
	f.words = make([]uint64, wordCount)
	for i := range f.words {
		f.words[i] = binary.BigEndian.Uint64(data[headerSize+i*8:])
	}
	return nil
}

// Decode is a convenience wrapper around UnmarshalBinary.
func Decode(data []byte) (*Filter, error) {
	f := &Filter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return f, nil
}
