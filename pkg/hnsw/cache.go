package hnsw

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry pairs a built index with its cache bookkeeping.
type cacheEntry struct {
	index      *Index
	vectors    int
	insertedAt time.Time
	memBytes   int64
}

// estimateMemoryBytes mirrors the index's memory model:
// sum(vectors * dims * 4 + vectors * 200 + graph_overhead).
func estimateMemoryBytes(vectors int) int64 {
	const graphOverhead = 4096
	return int64(vectors)*Dimensions*4 + int64(vectors)*200 + graphOverhead
}

// Cache is a bounded, TTL-expiring cache of built indexes keyed by
// manifest path. Capacity is enforced by an LRU
// eviction policy (hashicorp/golang-lru/v2, already part of the
// dependency graph); TTL and memory-ceiling eviction are layered on
// top since the library itself is capacity-only.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, *cacheEntry]
	ttl      time.Duration
	maxBytes int64
	curBytes int64

	hits   int64
	misses int64
}

// NewCache constructs a Cache holding up to capacity indexes, each
// valid for ttl, with a total memory ceiling of maxBytes (0 = no
// ceiling).
func NewCache(capacity int, ttl time.Duration, maxBytes int64) (*Cache, error) {
	c := &Cache{ttl: ttl, maxBytes: maxBytes}
	inner, err := lru.NewWithEvict(capacity, func(key string, entry *cacheEntry) {
		c.curBytes -= entry.memBytes
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the cached index for path, or (nil, false) on miss or
// TTL expiry. Expired entries are evicted and counted as a miss.
func (c *Cache) Get(path string) (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(path)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(entry.insertedAt) > c.ttl {
		c.lru.Remove(path)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.index, true
}

// Insert adds or replaces the cached index for path, evicting LRU
// entries first to satisfy capacity (handled by the underlying LRU),
// then evicting further to satisfy the memory ceiling.
func (c *Cache) Insert(path string, index *Index, vectorCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem := estimateMemoryBytes(vectorCount)
	// Replacing an existing key does not fire the evict callback, so
	// release the old entry's bytes here.
	if old, ok := c.lru.Peek(path); ok {
		c.curBytes -= old.memBytes
	}
	c.lru.Add(path, &cacheEntry{index: index, vectors: vectorCount, insertedAt: time.Now(), memBytes: mem})
	c.curBytes += mem

	for c.maxBytes > 0 && c.curBytes > c.maxBytes {
		oldestKey, _, ok := c.lru.GetOldest()
		if !ok {
			break
		}
		c.lru.Remove(oldestKey) // triggers the evict callback, decrementing curBytes
	}
}

// Sweep removes all TTL-expired entries; intended to run on a
// periodic ticker alongside on-access expiry checks.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && now.Sub(entry.insertedAt) > c.ttl {
			c.lru.Remove(key)
		}
	}
}

// Stats reports cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
