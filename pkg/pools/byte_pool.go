package pools

import "sync"

// Buffer size classes. Chunk lengths are powers of two between 1 KiB and
// 1 MiB and compressed chunks may overshoot their input slightly, hence the
// top class.
var classes = [...]int{
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
	2 << 20,
}

// MaxPool is the largest capacity kept for reuse.
const MaxPool = 2 << 20

// BytePool hands out byte slices rounded up to a size class.
type BytePool struct {
	pools [len(classes)]sync.Pool
}

// NewBytePool returns an empty pool.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i, size := range classes {
		p.pools[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a zero-length slice with capacity of at least size.
func (p *BytePool) Get(size int) []byte {
	i := classFor(size)
	if i < 0 {
		return make([]byte, 0, size)
	}
	bp, ok := p.pools[i].Get().(*[]byte)
	if !ok || cap(*bp) < size {
		return make([]byte, 0, classes[i])
	}
	return (*bp)[:0]
}

// GetSized returns a slice of length size.
func (p *BytePool) GetSized(size int) []byte {
	return p.Get(size)[:size]
}

// Put returns b for reuse. Slices smaller than the first class or larger
// than MaxPool are dropped. The caller must not touch b afterwards.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c > MaxPool || c < classes[0] {
		return
	}
	// file under the largest class the capacity fully covers
	i := len(classes) - 1
	for i > 0 && classes[i] > c {
		i--
	}
	b = b[:0]
	p.pools[i].Put(&b)
}

var defaultBytePool = NewBytePool()

// GetBytes returns a slice from the default pool.
func GetBytes(size int) []byte {
	return defaultBytePool.Get(size)
}

// GetBytesSized returns a slice of length size from the default pool.
func GetBytesSized(size int) []byte {
	return defaultBytePool.GetSized(size)
}

// PutBytes returns b to the default pool.
func PutBytes(b []byte) {
	defaultBytePool.Put(b)
}
