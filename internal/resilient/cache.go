// Package resilient wraps reads of the memory with a cache, a token-bucket
// rate limiter, a circuit breaker, and retries, so that latency-sensitive
// callers (a signing-time risk check) can query it safely.
package resilient

import (
	"sync"
	"time"
)

// DefaultCacheTTL is applied when Set is called with ttl <= 0.
const DefaultCacheTTL = 60 * time.Second

// DefaultCacheSize bounds the number of live entries.
const DefaultCacheSize = 1000

type cacheEntry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

// Cache is a bounded TTL cache. Expired entries are evicted on read; when
// full, Set evicts an arbitrary entry first. Staying bounded matters more
// than evicting the least recently used key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	now     func() time.Time
}

// NewCache creates a cache holding at most maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached value for key, or false on a miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses DefaultCacheTTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		// Evict an arbitrary entry to stay bounded.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = cacheEntry{value: value, insertedAt: c.now(), ttl: ttl}
}

// Delete removes one entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// CacheStats reports cache occupancy.
type CacheStats struct {
	Size    int `json:"size"`
	MaxSize int `json:"maxSize"`
}

// Stats returns current occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.entries), MaxSize: c.maxSize}
}
