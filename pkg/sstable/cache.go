package sstable

import (
	"container/list"
	"sync"
)

// chunkKey identifies a decompressed chunk of one table.
type chunkKey struct {
	table ID
	chunk int
}

// ChunkCache is an LRU cache of decompressed data chunks shared by every
// reader of a Manager.
type ChunkCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[chunkKey]*list.Element
	lru      *list.List

	hits   int64
	misses int64
}

type cacheEntry struct {
	key   chunkKey
	value []byte
}

// NewChunkCache creates a cache holding up to capacity chunks. A
// non-positive capacity returns nil, which disables caching.
func NewChunkCache(capacity int) *ChunkCache {
	if capacity <= 0 {
		return nil
	}
	return &ChunkCache{
		capacity: capacity,
		cache:    make(map[chunkKey]*list.Element),
		lru:      list.New(),
	}
}

func (c *ChunkCache) get(key chunkKey) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).value, true
	}
	c.misses++
	return nil, false
}

func (c *ChunkCache) put(key chunkKey, value []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}
	c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, value: value})
	if c.lru.Len() > c.capacity {
		if back := c.lru.Back(); back != nil {
			c.lru.Remove(back)
			delete(c.cache, back.Value.(*cacheEntry).key)
		}
	}
}

// evictTable drops every chunk of a table that is going away.
func (c *ChunkCache) evictTable(id ID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.cache {
		if key.table == id {
			c.lru.Remove(elem)
			delete(c.cache, key)
		}
	}
}

// Stats returns hit and miss counts.
func (c *ChunkCache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached chunks.
func (c *ChunkCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
