package pools

import (
	"sync"
	"testing"
)

func TestBytePool_Get(t *testing.T) {
	pool := NewBytePool()

	tests := []struct {
		name   string
		size   int
		minCap int
	}{
		{"tiny", 8, 4 << 10},
		{"chunk_1k", 1 << 10, 4 << 10},
		{"chunk_64k", 64 << 10, 64 << 10},
		{"chunk_64k_overshoot", 64<<10 + 300, 256 << 10},
		{"chunk_1m", 1 << 20, 1 << 20},
		{"oversized", MaxPool + 1, MaxPool + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := pool.Get(tt.size)
			if len(b) != 0 {
				t.Errorf("Get(%d) length = %d, want 0", tt.size, len(b))
			}
			if cap(b) < tt.minCap {
				t.Errorf("Get(%d) capacity = %d, want >= %d", tt.size, cap(b), tt.minCap)
			}
		})
	}
}

func TestBytePool_GetSized(t *testing.T) {
	pool := NewBytePool()

	b := pool.GetSized(5000)
	if len(b) != 5000 {
		t.Errorf("GetSized(5000) length = %d, want 5000", len(b))
	}
}

func TestBytePool_PutAndReuse(t *testing.T) {
	pool := NewBytePool()

	for i := 0; i < 10; i++ {
		b := pool.Get(16 << 10)
		b = append(b, make([]byte, 100)...)
		pool.Put(b)
	}

	b := pool.Get(16 << 10)
	if len(b) != 0 {
		t.Errorf("reused buffer length = %d, want 0", len(b))
	}
	if cap(b) < 16<<10 {
		t.Errorf("reused buffer capacity = %d, want >= %d", cap(b), 16<<10)
	}
}

func TestBytePool_OddCapacityFiledDown(t *testing.T) {
	pool := NewBytePool()

	// 100 KiB covers the 64 KiB class but not the 256 KiB one
	pool.Put(make([]byte, 0, 100<<10))
	for i := 0; i < 4; i++ {
		if b := pool.Get(200 << 10); cap(b) < 200<<10 {
			t.Fatalf("Get(200 KiB) capacity = %d", cap(b))
		}
	}
}

func TestBytePool_OutOfRangeNotPooled(t *testing.T) {
	pool := NewBytePool()

	// neither call may panic
	pool.Put(make([]byte, 0, MaxPool+1))
	pool.Put(make([]byte, 0, 16))
	pool.Put(nil)
}

func TestDefaultBytePool(t *testing.T) {
	b := GetBytes(1 << 10)
	if cap(b) < 1<<10 {
		t.Errorf("GetBytes capacity = %d", cap(b))
	}
	PutBytes(b)

	s := GetBytesSized(300)
	if len(s) != 300 {
		t.Errorf("GetBytesSized length = %d, want 300", len(s))
	}
	PutBytes(s)
}

func TestBytePool_Concurrent(t *testing.T) {
	pool := NewBytePool()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := pool.Get(1 << (10 + (n+j)%10))
				b = append(b, byte(j))
				pool.Put(b)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkBytePool_Get(b *testing.B) {
	pool := NewBytePool()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := pool.Get(64 << 10)
		pool.Put(buf)
	}
}

func BenchmarkBytePool_GetWithoutPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 0, 64<<10)
	}
}
