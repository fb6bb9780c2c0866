package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/events"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// Layer identifies which cache layer served a read
type Layer string

const (
	LayerL1   Layer = "l1"
	LayerL2   Layer = "l2"
	LayerMiss Layer = "miss"
)

// Result carries the outcome of a layered read
type Result struct {
	Value   json.RawMessage
	Layer   Layer
	Latency time.Duration
}

// MultiLayerConfig configures the combined cache
type MultiLayerConfig struct {
	L1             MemoryConfig  `mapstructure:"l1"`
	L2             RedisConfig   `mapstructure:"l2"`
	WarmL1OnL2Hit  bool          `mapstructure:"warm_l1_on_l2_hit"`
	L2WriteTimeout time.Duration `mapstructure:"l2_write_timeout"`
}

// DefaultMultiLayerConfig returns default multi-layer configuration
func DefaultMultiLayerConfig() MultiLayerConfig {
	return MultiLayerConfig{
		L1:             DefaultMemoryConfig(),
		L2:             DefaultRedisConfig(),
		WarmL1OnL2Hit:  true,
		L2WriteTimeout: 2 * time.Second,
	}
}

// MultiLayerCache composes L1 and L2 behind a single facade: L1→L2→miss on
// read, dual write on set, and pub/sub-driven L1 invalidation. L2 writes in
// Set are asynchronous, so there is a narrow window where L1 holds a key L2
// does not; the design trades that window for hot-path throughput.
type MultiLayerCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	config  MultiLayerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	group       singleflight.Group
	unsubscribe func()
	writes      sync.WaitGroup
}

// NewMultiLayerCache builds both layers and registers the invalidation
// subscriber. The subscriber applies every broadcast pattern to the local
// L1, including patterns this replica originated.
func NewMultiLayerCache(store Substrate, config MultiLayerConfig, logger observability.Logger, metrics observability.MetricsClient) (*MultiLayerCache, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.multilayer")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.L2WriteTimeout <= 0 {
		config.L2WriteTimeout = DefaultMultiLayerConfig().L2WriteTimeout
	}

	l1, err := NewMemoryCache(config.L1)
	if err != nil {
		return nil, fmt.Errorf("failed to create l1 cache: %w", err)
	}

	c := &MultiLayerCache{
		l1:      l1,
		l2:      NewRedisCache(store, config.L2, logger.WithPrefix("cache.l2")),
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	unsubscribe, err := c.l2.Subscribe(context.Background(), c.handleInvalidation)
	if err != nil {
		l1.Close()
		return nil, fmt.Errorf("failed to subscribe to invalidation channel: %w", err)
	}
	c.unsubscribe = unsubscribe

	return c, nil
}

func (c *MultiLayerCache) handleInvalidation(event events.InvalidationEvent) {
	removed := c.l1.InvalidatePattern(event.Pattern)
	c.metrics.IncrementCounterWithLabels("cache_invalidations_applied", 1.0, map[string]string{
		"origin": event.OriginNode,
	})
	c.logger.Debug("applied invalidation event", map[string]interface{}{
		"pattern": event.Pattern,
		"origin":  event.OriginNode,
		"reason":  event.Reason,
		"removed": removed,
	})
}

// Get reads through L1 then L2. An L2 hit warms L1 with a fresh stamp when
// configured.
func (c *MultiLayerCache) Get(ctx context.Context, key string) Result {
	start := time.Now()

	if data, ok := c.l1.Get(key); ok {
		return c.observed(Result{Value: data, Layer: LayerL1, Latency: time.Since(start)})
	}

	if data, ok := c.l2.Get(ctx, key); ok {
		if c.config.WarmL1OnL2Hit {
			c.l1.Set(key, data, 0)
		}
		return c.observed(Result{Value: data, Layer: LayerL2, Latency: time.Since(start)})
	}

	return c.observed(Result{Layer: LayerMiss, Latency: time.Since(start)})
}

// GetInto reads through the layers and unmarshals the payload into dest
func (c *MultiLayerCache) GetInto(ctx context.Context, key string, dest interface{}) (Layer, bool) {
	res := c.Get(ctx, key)
	if res.Layer == LayerMiss {
		return LayerMiss, false
	}
	if err := json.Unmarshal(res.Value, dest); err != nil {
		c.logger.Warn("cached payload failed to unmarshal, invalidating", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.Delete(ctx, key)
		return LayerMiss, false
	}
	return res.Layer, true
}

// GetOrCompute returns the cached payload or runs compute and stores the
// result in both layers. Concurrent callers for the same key share a single
// in-flight compute, so at most one store happens per flight.
func (c *MultiLayerCache) GetOrCompute(ctx context.Context, key string, ttlL1, ttlL2 time.Duration, compute func(context.Context) (interface{}, error)) (json.RawMessage, error) {
	if res := c.Get(ctx, key); res.Layer != LayerMiss {
		return res.Value, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have stored while we queued.
		if res := c.Get(ctx, key); res.Layer != LayerMiss {
			return res.Value, nil
		}
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(computed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal computed value: %w", err)
		}
		c.store(key, data, ttlL1, ttlL2)
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, err
	}
	return val.(json.RawMessage), nil
}

// Set marshals the value and writes L1 synchronously and L2 asynchronously.
// An L2 failure is logged, never surfaced.
func (c *MultiLayerCache) Set(ctx context.Context, key string, value interface{}, ttlL1, ttlL2 time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	c.store(key, data, ttlL1, ttlL2)
	return nil
}

func (c *MultiLayerCache) store(key string, data []byte, ttlL1, ttlL2 time.Duration) {
	c.l1.Set(key, data, ttlL1)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		// Detached from the request context so a cancelled request does not
		// abandon the replication write.
		ctx, cancel := context.WithTimeout(context.Background(), c.config.L2WriteTimeout)
		defer cancel()
		c.l2.Set(ctx, key, data, ttlL2)
	}()
}

// Delete removes the key from both layers
func (c *MultiLayerCache) Delete(ctx context.Context, key string) {
	c.l1.Delete(key)
	c.l2.Delete(ctx, key)
}

// InvalidatePattern invalidates the local L1 synchronously, then broadcasts
// the pattern so every replica (this one included) applies it
func (c *MultiLayerCache) InvalidatePattern(ctx context.Context, pattern, reason string) error {
	c.l1.InvalidatePattern(pattern)
	return c.l2.InvalidatePattern(ctx, pattern, reason)
}

// L1Stats returns the L1 statistics snapshot
func (c *MultiLayerCache) L1Stats() MemoryStats { return c.l1.Stats() }

// L2Stats returns the L2 statistics snapshot
func (c *MultiLayerCache) L2Stats() RedisStats { return c.l2.Stats() }

// Close tears down the subscriber, drains in-flight L2 writes, and stops
// the L1 sweeper
func (c *MultiLayerCache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.writes.Wait()
	c.l1.Close()
}

func (c *MultiLayerCache) observed(res Result) Result {
	c.metrics.RecordHistogram("cache_get_latency_ms", float64(res.Latency.Microseconds())/1000.0, map[string]string{
		"layer": string(res.Layer),
	})
	return res
}
