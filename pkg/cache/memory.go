package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryConfig configures the in-process L1 cache
type MemoryConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	EnableStats     bool          `mapstructure:"enable_stats"`
}

// DefaultMemoryConfig returns default L1 configuration
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries:      1000,
		DefaultTTL:      60 * time.Second,
		CleanupInterval: 30 * time.Second,
		EnableStats:     true,
	}
}

// MemoryStats is a point-in-time statistics snapshot for the L1 cache
type MemoryStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Deletes     int64 `json:"deletes"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

type memoryEntry struct {
	data       []byte
	insertedAt time.Time
	ttl        time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// MemoryCache is the in-process L1: an LRU-ordered map with per-entry TTL
// and pattern-prefix invalidation. A Get on a fresh entry promotes it to
// most-recently-used; inserting above capacity evicts the least-recent.
// Expiration is checked lazily on Get/Has and proactively by a sweeper.
type MemoryCache struct {
	config MemoryConfig
	lru    *lru.Cache[string, *memoryEntry]

	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryCache creates the L1 cache and starts its expiry sweeper
func NewMemoryCache(config MemoryConfig) (*MemoryCache, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMemoryConfig().MaxEntries
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultMemoryConfig().DefaultTTL
	}

	backing, err := lru.New[string, *memoryEntry](config.MaxEntries)
	if err != nil {
		return nil, err
	}

	c := &MemoryCache{
		config: config,
		lru:    backing,
		stopCh: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop()
	}

	return c, nil
}

// Get returns the value for key if present and fresh. Expired entries are
// removed opportunistically and count as misses.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if entry.expired(time.Now()) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.data, true
}

// Set stores a value; ttl <= 0 uses the configured default
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	evicted := c.lru.Add(key, &memoryEntry{
		data:       value,
		insertedAt: time.Now(),
		ttl:        ttl,
	})
	c.sets.Add(1)
	if evicted {
		c.evictions.Add(1)
	}
}

// Delete removes a key and reports whether it was present
func (c *MemoryCache) Delete(key string) bool {
	present := c.lru.Remove(key)
	if present {
		c.deletes.Add(1)
	}
	return present
}

// Has reports presence without promoting the entry in the LRU order
func (c *MemoryCache) Has(key string) bool {
	entry, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if entry.expired(time.Now()) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		return false
	}
	return true
}

// InvalidatePattern deletes every entry whose key starts with the pattern
// and returns the number removed
func (c *MemoryCache) InvalidatePattern(pattern string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, pattern) {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	c.deletes.Add(int64(removed))
	return removed
}

// Clear removes all entries
func (c *MemoryCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of entries, including any not yet swept
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Stats returns a statistics snapshot
func (c *MemoryCache) Stats() MemoryStats {
	return MemoryStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Deletes:     c.deletes.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.lru.Len(),
	}
}

// Close stops the expiry sweeper
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MemoryCache) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired entries proactively
func (c *MemoryCache) sweep() {
	now := time.Now()
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.expired(now) {
			c.lru.Remove(key)
			c.expirations.Add(1)
		}
	}
}
