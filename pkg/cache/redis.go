package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/events"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// Substrate is the slice of the shared KV facade the L2 cache consumes
type Substrate interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Publish(ctx context.Context, channel, message string) (int64, error)
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (func(), error)
}

// RedisConfig configures the shared L2 cache
type RedisConfig struct {
	// Namespace prefixes every key so multiple deployments can share a store
	Namespace   string        `mapstructure:"namespace"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	EnableStats bool          `mapstructure:"enable_stats"`
}

// DefaultRedisConfig returns default L2 configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Namespace:   "gatekeeper",
		DefaultTTL:  5 * time.Minute,
		EnableStats: true,
	}
}

// RedisStats is a point-in-time statistics snapshot for the L2 cache
type RedisStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// RedisCache is the shared L2. Entries are JSON payloads with a server-side
// TTL ceiling. Reads fail open: any substrate error is a logged miss, so an
// unavailable store degrades to recomputation and never blocks requests.
// Pattern invalidation does not scan the store; it broadcasts the pattern on
// the invalidation channel and lets L2 entries age out by TTL.
type RedisCache struct {
	store  Substrate
	config RedisConfig
	logger observability.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

// NewRedisCache creates the L2 cache over the given substrate
func NewRedisCache(store Substrate, config RedisConfig, logger observability.Logger) *RedisCache {
	if config.Namespace == "" {
		config.Namespace = DefaultRedisConfig().Namespace
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultRedisConfig().DefaultTTL
	}
	if logger == nil {
		logger = observability.NewLogger("cache.l2")
	}
	return &RedisCache{
		store:  store,
		config: config,
		logger: logger,
	}
}

func (c *RedisCache) namespaced(key string) string {
	return c.config.Namespace + ":" + key
}

// Get returns the raw JSON payload for key, or absent on miss or error
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.store.Get(ctx, c.namespaced(key))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.errs.Add(1)
			c.logger.Warn("l2 get failed, treating as miss", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return []byte(val), true
}

// Set stores a JSON payload; failures are logged and absorbed
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > c.config.DefaultTTL {
		ttl = c.config.DefaultTTL
	}
	if err := c.store.Set(ctx, c.namespaced(key), string(value), ttl); err != nil {
		c.errs.Add(1)
		c.logger.Warn("l2 set failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	c.sets.Add(1)
}

// Delete removes a key, reporting false on error
func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	if err := c.store.Delete(ctx, c.namespaced(key)); err != nil {
		c.errs.Add(1)
		c.logger.Warn("l2 delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	c.deletes.Add(1)
	return true
}

// Has reports presence; errors report false
func (c *RedisCache) Has(ctx context.Context, key string) bool {
	ok, err := c.store.Exists(ctx, c.namespaced(key))
	if err != nil {
		c.errs.Add(1)
		return false
	}
	return ok
}

// InvalidatePattern broadcasts the pattern to every replica. L2 entries are
// not enumerated; they expire via TTL.
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern, reason string) error {
	event := events.NewInvalidationEvent(pattern, reason)
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if _, err := c.store.Publish(ctx, events.ChannelCacheInvalidation, payload); err != nil {
		c.errs.Add(1)
		c.logger.Warn("invalidation broadcast failed", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

// Subscribe registers the invalidation handler; call once at startup.
// Malformed payloads are dropped with a log line.
func (c *RedisCache) Subscribe(ctx context.Context, handler func(events.InvalidationEvent)) (func(), error) {
	return c.store.Subscribe(ctx, events.ChannelCacheInvalidation, func(payload string) {
		event, err := events.DecodeInvalidationEvent(payload)
		if err != nil {
			c.logger.Warn("dropping malformed invalidation event", map[string]interface{}{
				"payload": truncate(payload, 256),
				"error":   err.Error(),
			})
			return
		}
		handler(event)
	})
}

// Stats returns a statistics snapshot
func (c *RedisCache) Stats() RedisStats {
	return RedisStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errs.Load(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Substrate = (*kv.Store)(nil)
