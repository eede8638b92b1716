package store

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// fallbackEntry carries the cached value with its own expiry so entries
// mirrored from Redis keep the TTL they had there.
type fallbackEntry struct {
	data      []byte
	expiresAt time.Time
}

// FallbackCache is the bounded in-memory cache a Resilient store serves from
// while Redis is unavailable. Entries expire at the TTL they were stored
// with; the LRU bound evicts the least recently used entry beyond max size.
type FallbackCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, fallbackEntry]
	now func() time.Time
}

// NewFallbackCache creates a cache bounded to maxSize entries. maxTTL caps
// how long any entry may live regardless of the TTL it was stored with.
func NewFallbackCache(maxSize int, maxTTL time.Duration) *FallbackCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &FallbackCache{
		lru: expirable.NewLRU[string, fallbackEntry](maxSize, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns the entry if present and not past its TTL.
func (c *FallbackCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.data, true
}

// Set stores value under key for ttl.
func (c *FallbackCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, fallbackEntry{
		data:      append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	})
}

// Delete removes key.
func (c *FallbackCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Exists reports whether key is present and in TTL.
func (c *FallbackCache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Len returns the number of entries currently held (including any not yet
// purged after expiry).
func (c *FallbackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
