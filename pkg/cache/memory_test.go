package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(t *testing.T, maxEntries int, ttl time.Duration) *MemoryCache {
	t.Helper()
	c, err := NewMemoryCache(MemoryConfig{
		MaxEntries: maxEntries,
		DefaultTTL: ttl,
		// Sweeper disabled; expiry is exercised lazily.
		CleanupInterval: 0,
		EnableStats:     true,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestMemoryCacheGetSet(t *testing.T) {
	c := newTestMemoryCache(t, 10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", []byte("v"), 0)
	val, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	assert.True(t, c.Has("k"))
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	assert.False(t, c.Has("k"))
}

func TestMemoryCacheTTL(t *testing.T) {
	c := newTestMemoryCache(t, 10, time.Minute)

	c.Set("short", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := newTestMemoryCache(t, 3, time.Minute)

	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Set("c", []byte("3"), 0)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", []byte("4"), 0)

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryCacheCapacityBound(t *testing.T) {
	c := newTestMemoryCache(t, 5, time.Minute)
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("key-%d", i), []byte("v"), 0)
	}
	assert.LessOrEqual(t, c.Len(), 5)
}

func TestMemoryCacheInvalidatePattern(t *testing.T) {
	c := newTestMemoryCache(t, 10, time.Minute)

	c.Set("lb:user:u1:guild:g1", []byte("1"), 0)
	c.Set("lb:user:u2:guild:g1", []byte("2"), 0)
	c.Set("lb:guild:g1", []byte("3"), 0)
	c.Set("vault:user:u1", []byte("4"), 0)

	removed := c.InvalidatePattern("lb:user:")
	assert.Equal(t, 2, removed)
	assert.False(t, c.Has("lb:user:u1:guild:g1"))
	assert.True(t, c.Has("lb:guild:g1"))
	assert.True(t, c.Has("vault:user:u1"))

	// Idempotent: a second pass removes nothing.
	assert.Equal(t, 0, c.InvalidatePattern("lb:user:"))
}

func TestMemoryCacheSweeper(t *testing.T) {
	c, err := NewMemoryCache(MemoryConfig{
		MaxEntries:      10,
		DefaultTTL:      time.Minute,
		CleanupInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("short", []byte("v"), 5*time.Millisecond)
	c.Set("long", []byte("v"), time.Minute)

	assert.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCacheClear(t *testing.T) {
	c := newTestMemoryCache(t, 10, time.Minute)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
