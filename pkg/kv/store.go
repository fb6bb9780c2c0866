// Package kv is the shared key/value substrate facade. It is the only place
// in the core that speaks to Redis; every other component takes a *Store (or
// its Substrate interface) as a constructor parameter.
package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("kv: key not found")

// ErrNotConnected is returned when the substrate is unreachable. Cache reads
// treat it as a miss; rate limiting and budget reserve fail closed on it.
var ErrNotConnected = errors.New("kv: not connected")

// Config represents the connection configuration for the shared KV store
type Config struct {
	Addresses    []string      `yaml:"addresses" json:"addresses" mapstructure:"addresses"`
	Username     string        `yaml:"username" json:"username" mapstructure:"username"`
	Password     string        `yaml:"password" json:"password" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	// TLS settings
	TLSEnabled bool        `yaml:"tls_enabled" json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" json:"-" mapstructure:"-"`

	// Pool settings
	PoolSize     int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" json:"pool_timeout" mapstructure:"pool_timeout"`

	// Health check
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" mapstructure:"health_check_interval"`
}

// DefaultConfig returns a default configuration for the shared KV store
func DefaultConfig() *Config {
	return &Config{
		Addresses:           []string{"localhost:6379"},
		MaxRetries:          3,
		DialTimeout:         5 * time.Second,
		ReadTimeout:         3 * time.Second,
		WriteTimeout:        3 * time.Second,
		PoolSize:            10,
		MinIdleConns:        2,
		PoolTimeout:         4 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Store provides the shared KV operations the core consumes: string get/set,
// counters with TTL, sorted sets for sliding windows, pub/sub, and scripted
// multi-key operations.
type Store struct {
	client redis.UniversalClient
	config *Config
	logger observability.Logger

	healthy  bool
	healthMu sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a Store and verifies connectivity
func NewStore(config *Config, logger observability.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("kv")
	}

	opts := &redis.UniversalOptions{
		Addrs:        config.Addresses,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		PoolTimeout:  config.PoolTimeout,
	}
	if config.TLSEnabled {
		opts.TLSConfig = config.TLSConfig
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	s := &Store{
		client: redis.NewUniversalClient(opts),
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("failed to connect to kv store: %w", err)
	}
	s.healthy = true

	if config.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthCheckLoop()
	}

	return s, nil
}

// NewStoreFromClient wraps an existing client; used by tests with miniredis
func NewStoreFromClient(client redis.UniversalClient, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		client:  client,
		config:  DefaultConfig(),
		logger:  logger,
		healthy: true,
		stopCh:  make(chan struct{}),
	}
}

// healthCheckLoop maintains the IsConnected flag in the background
func (s *Store) healthCheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
			err := s.client.Ping(ctx).Err()
			cancel()

			s.healthMu.Lock()
			wasHealthy := s.healthy
			s.healthy = err == nil
			s.healthMu.Unlock()

			if err != nil && wasHealthy {
				s.logger.Warn("kv store health check failed", map[string]interface{}{
					"error": err.Error(),
				})
			} else if err == nil && !wasHealthy {
				s.logger.Info("kv store connection recovered", nil)
			}
		}
	}
}

// IsConnected reports the last observed connection health
func (s *Store) IsConnected() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// Ping checks connectivity and returns the round-trip latency
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, s.wrapErr(err)
	}
	return time.Since(start), nil
}

// Get retrieves a string value; ErrNotFound when the key does not exist
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.wrapErr(err)
	}
	return val, nil
}

// Set stores a string value with an optional TTL (0 means no expiry)
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return s.wrapErr(err)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.wrapErr(err)
	}
	return nil
}

// Exists reports whether a key is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, s.wrapErr(err)
	}
	return n > 0, nil
}

// Incr atomically increments a counter
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// IncrBy atomically adds n to a counter
func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return v, nil
}

// PExpire sets a key TTL in milliseconds
func (s *Store) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, s.wrapErr(err)
	}
	return ok, nil
}

// PTTL returns the remaining TTL of a key; negative when absent or unbounded
func (s *Store) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return d, nil
}

// Expire sets a key TTL in seconds
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, s.wrapErr(err)
	}
	return ok, nil
}

// ZAdd adds a member with a score to a sorted set
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) (int64, error) {
	n, err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// ZCard returns the cardinality of a sorted set
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// ZRangeByScore returns members with scores in [min, max], optionally paged
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string, offset, count int64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return members, nil
}

// ZRemRangeByScore removes members with scores in [min, max]
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// HSet sets a field in a hash
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return s.wrapErr(err)
	}
	return nil
}

// HGet reads a field from a hash; ErrNotFound when absent
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.wrapErr(err)
	}
	return val, nil
}

// Scan iterates keys matching pattern. Bounded use only (reservation reaper);
// never called on the request hot path.
func (s *Store) Scan(ctx context.Context, pattern string, count int64) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, s.wrapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Eval runs a Lua script; used for multi-key operations that must be atomic
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, s.wrapErr(err)
	}
	return res, nil
}

// Publish sends a message to a channel and returns the receiver count
func (s *Store) Publish(ctx context.Context, channel, message string) (int64, error) {
	n, err := s.client.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// Subscribe registers a handler for a channel on an independent connection.
// The returned function tears the subscription down.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload string)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so callers
	// never miss events published immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.wrapErr(err)
	}

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}

// Close tears down background loops and the client connection
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	err := s.client.Close()
	s.wg.Wait()
	return err
}

// wrapErr normalizes connection-level failures to ErrNotConnected and marks
// the store unhealthy so fail-closed callers react without waiting for the
// next health check tick.
func (s *Store) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.healthMu.Lock()
	s.healthy = false
	s.healthMu.Unlock()
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}
