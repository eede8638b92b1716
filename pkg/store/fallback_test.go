package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackCacheRoundTrip(t *testing.T) {
	cache := NewFallbackCache(10, time.Minute)
	cache.Set("k", []byte("v"), time.Minute)

	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, cache.Exists("k"))

	cache.Delete("k")
	_, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestFallbackCacheNeverServesPastTTL(t *testing.T) {
	cache := NewFallbackCache(10, time.Minute)
	cache.now = func() time.Time { return time.Unix(1000, 0) }
	cache.Set("k", []byte("v"), 30*time.Second)

	cache.now = func() time.Time { return time.Unix(1029, 0) }
	_, ok := cache.Get("k")
	assert.True(t, ok)

	cache.now = func() time.Time { return time.Unix(1031, 0) }
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.False(t, cache.Exists("k"))
}

func TestFallbackCacheEvictsBeyondMaxSize(t *testing.T) {
	cache := NewFallbackCache(2, time.Minute)
	cache.Set("a", []byte("1"), time.Minute)
	cache.Set("b", []byte("2"), time.Minute)
	cache.Set("c", []byte("3"), time.Minute)

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	assert.True(t, cache.Exists("b"))
	assert.True(t, cache.Exists("c"))
}

func TestFallbackCacheZeroTTLIgnored(t *testing.T) {
	cache := NewFallbackCache(10, time.Minute)
	cache.Set("k", []byte("v"), 0)
	assert.False(t, cache.Exists("k"))
}

func TestFallbackCacheCopiesValue(t *testing.T) {
	cache := NewFallbackCache(10, time.Minute)
	buf := []byte("orig")
	cache.Set("k", buf, time.Minute)
	buf[0] = 'X'

	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("orig"), got)
}
