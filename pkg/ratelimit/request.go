package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// Substrate is the slice of the shared KV facade the limiters consume
type Substrate interface {
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ZAdd(ctx context.Context, key string, score float64, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key, min, max string, offset, count int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	IsConnected() bool
}

var _ Substrate = (*kv.Store)(nil)

// Dimension identifies which limit produced a decision
type Dimension string

const (
	DimensionUser    Dimension = "user"
	DimensionGuild   Dimension = "guild"
	DimensionChannel Dimension = "channel"
	DimensionBurst   Dimension = "burst"
	// DimensionLocal marks the replica-local shed guard
	DimensionLocal Dimension = "local"
)

// ClassLimits holds the per-dimension limits for one access class
type ClassLimits struct {
	UserLimit     int           `mapstructure:"user_limit"`
	UserWindow    time.Duration `mapstructure:"user_window"`
	GuildLimit    int           `mapstructure:"guild_limit"`
	GuildWindow   time.Duration `mapstructure:"guild_window"`
	ChannelLimit  int           `mapstructure:"channel_limit"`
	ChannelWindow time.Duration `mapstructure:"channel_window"`
	BurstCapacity int           `mapstructure:"burst_capacity"`
	// BurstRefillPerSec is the token bucket refill rate
	BurstRefillPerSec float64 `mapstructure:"burst_refill_per_sec"`
}

// RequestLimiterConfig maps access classes to their limits
type RequestLimiterConfig struct {
	Classes map[AccessClass]ClassLimits `mapstructure:"classes"`
	// LocalRPS bounds substrate traffic from this replica; 0 disables
	LocalRPS   int `mapstructure:"local_rps"`
	LocalBurst int `mapstructure:"local_burst"`
}

// DefaultRequestLimiterConfig returns the per-class defaults
func DefaultRequestLimiterConfig() RequestLimiterConfig {
	return RequestLimiterConfig{
		Classes: map[AccessClass]ClassLimits{
			ClassFree: {
				UserLimit: 10, UserWindow: time.Minute,
				GuildLimit: 60, GuildWindow: time.Minute,
				ChannelLimit: 20, ChannelWindow: time.Minute,
				BurstCapacity: 3, BurstRefillPerSec: 0.5,
			},
			ClassPro: {
				UserLimit: 30, UserWindow: time.Minute,
				GuildLimit: 300, GuildWindow: time.Minute,
				ChannelLimit: 60, ChannelWindow: time.Minute,
				BurstCapacity: 5, BurstRefillPerSec: 1,
			},
			ClassEnterprise: {
				UserLimit: 100, UserWindow: time.Minute,
				GuildLimit: 1000, GuildWindow: time.Minute,
				ChannelLimit: 200, ChannelWindow: time.Minute,
				BurstCapacity: 10, BurstRefillPerSec: 2,
			},
		},
		LocalRPS:   500,
		LocalBurst: 1000,
	}
}

// CheckRequest identifies the request being admitted. Empty identifiers skip
// their dimension.
type CheckRequest struct {
	GuildID   string
	UserID    string
	ChannelID string
	Class     AccessClass
}

// CheckResult is the admission decision. On denial Dimension names the first
// failing limit and RetryAfter hints when to retry.
type CheckResult struct {
	Allowed    bool
	Dimension  Dimension
	Remaining  int64
	RetryAfter time.Duration
}

// burstScript consumes one token from a bucket stored as a Redis hash,
// refilling lazily from the elapsed time since the last consume. Returns
// {allowed, retry_after_ms}.
var burstScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * refill_per_ms
if tokens > capacity then tokens = capacity end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / refill_per_ms)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, retry}
`)

// RequestRateLimiter admits or rejects requests across four dimensions.
// Guild points are consumed before user points so a user-dimension denial
// can refund the guild point it already took; channel and burst follow.
// Every substrate failure denies: admission must not degrade open when the
// store is down.
type RequestRateLimiter struct {
	store   Substrate
	config  RequestLimiterConfig
	local   *rate.Limiter
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRequestRateLimiter creates the multi-dimensional limiter
func NewRequestRateLimiter(store Substrate, config RequestLimiterConfig, logger observability.Logger, metrics observability.MetricsClient) *RequestRateLimiter {
	if len(config.Classes) == 0 {
		config = DefaultRequestLimiterConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("ratelimit.request")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	var local *rate.Limiter
	if config.LocalRPS > 0 {
		burst := config.LocalBurst
		if burst <= 0 {
			burst = config.LocalRPS
		}
		local = rate.NewLimiter(rate.Limit(config.LocalRPS), burst)
	}

	return &RequestRateLimiter{
		store:   store,
		config:  config,
		local:   local,
		logger:  logger,
		metrics: metrics,
	}
}

// Check runs the admission decision for one request
func (rl *RequestRateLimiter) Check(ctx context.Context, req CheckRequest) CheckResult {
	limits, ok := rl.config.Classes[req.Class]
	if !ok {
		limits = rl.config.Classes[ClassFree]
	}

	// Replica-local shed guard: protects the substrate from this replica.
	if rl.local != nil && !rl.local.Allow() {
		return rl.denied(DimensionLocal, time.Second)
	}

	if !rl.store.IsConnected() {
		return rl.denied(DimensionUser, time.Second)
	}

	guildConsumed := false

	if req.GuildID != "" && limits.GuildLimit > 0 {
		res := rl.consume(ctx, DimensionGuild, req.GuildID, limits.GuildLimit, limits.GuildWindow)
		if !res.Allowed {
			return res
		}
		guildConsumed = true
	}

	if req.UserID != "" && limits.UserLimit > 0 {
		res := rl.consume(ctx, DimensionUser, req.UserID, limits.UserLimit, limits.UserWindow)
		if !res.Allowed {
			if guildConsumed {
				rl.refund(ctx, DimensionGuild, req.GuildID)
			}
			return res
		}
	}

	if req.ChannelID != "" && limits.ChannelLimit > 0 {
		res := rl.consume(ctx, DimensionChannel, req.ChannelID, limits.ChannelLimit, limits.ChannelWindow)
		if !res.Allowed {
			return res
		}
	}

	if limits.BurstCapacity > 0 {
		res := rl.consumeBurst(ctx, req, limits)
		if !res.Allowed {
			return res
		}
	}

	return CheckResult{Allowed: true}
}

func (rl *RequestRateLimiter) counterKey(dim Dimension, id string) string {
	return fmt.Sprintf("rl:req:%s:%s", dim, id)
}

// consume takes one point from a windowed counter. The counter key gets its
// TTL on first increment; the remaining TTL drives the retry-after hint.
func (rl *RequestRateLimiter) consume(ctx context.Context, dim Dimension, id string, limit int, window time.Duration) CheckResult {
	key := rl.counterKey(dim, id)

	count, err := rl.store.Incr(ctx, key)
	if err != nil {
		rl.logger.Warn("rate limit counter unavailable, denying", map[string]interface{}{
			"dimension": string(dim),
			"error":     err.Error(),
		})
		return rl.denied(dim, time.Second)
	}
	if count == 1 {
		if _, err := rl.store.PExpire(ctx, key, window); err != nil {
			rl.logger.Warn("failed to arm counter ttl", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if count > int64(limit) {
		retryAfter := window
		if ttl, err := rl.store.PTTL(ctx, key); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return rl.denied(dim, retryAfter)
	}

	remaining := int64(limit) - count
	rl.sampleRemaining(dim, remaining)
	return CheckResult{Allowed: true, Dimension: dim, Remaining: remaining}
}

// refund returns a previously consumed point; best effort
func (rl *RequestRateLimiter) refund(ctx context.Context, dim Dimension, id string) {
	if _, err := rl.store.IncrBy(ctx, rl.counterKey(dim, id), -1); err != nil {
		rl.logger.Debug("refund failed", map[string]interface{}{
			"dimension": string(dim),
			"error":     err.Error(),
		})
	}
}

func (rl *RequestRateLimiter) consumeBurst(ctx context.Context, req CheckRequest, limits ClassLimits) CheckResult {
	id := req.UserID
	if id == "" {
		id = req.GuildID
	}
	key := fmt.Sprintf("rl:burst:%s", id)
	refillPerMs := limits.BurstRefillPerSec / 1000.0
	// Bucket idle long enough to fully refill can simply expire.
	ttl := time.Duration(float64(limits.BurstCapacity)/limits.BurstRefillPerSec*2) * time.Second

	res, err := rl.store.Eval(ctx, burstScript, []string{key},
		limits.BurstCapacity,
		refillPerMs,
		time.Now().UnixMilli(),
		ttl.Milliseconds(),
	)
	if err != nil {
		rl.logger.Warn("burst bucket unavailable, denying", map[string]interface{}{
			"error": err.Error(),
		})
		return rl.denied(DimensionBurst, time.Second)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return rl.denied(DimensionBurst, time.Second)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)

	if allowed != 1 {
		return rl.denied(DimensionBurst, time.Duration(retryMs)*time.Millisecond)
	}
	return CheckResult{Allowed: true, Dimension: DimensionBurst}
}

func (rl *RequestRateLimiter) denied(dim Dimension, retryAfter time.Duration) CheckResult {
	rl.metrics.IncrementCounterWithLabels("rate_limit_denials_total", 1.0, map[string]string{
		"dimension": string(dim),
	})
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return CheckResult{Allowed: false, Dimension: dim, RetryAfter: retryAfter}
}

// sampleRemaining publishes the remaining-points gauge for ~10% of calls to
// keep cardinality and write volume down
func (rl *RequestRateLimiter) sampleRemaining(dim Dimension, remaining int64) {
	if rand.Float64() >= 0.1 {
		return
	}
	rl.metrics.RecordGauge("rate_limit_remaining", float64(remaining), map[string]string{
		"dimension": string(dim),
	})
}
