package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// Action identifies a tenant-scoped operation with its own quota window
type Action string

const (
	ActionCommand          Action = "command"
	ActionEligibilityCheck Action = "eligibility_check"
	ActionSyncRequest      Action = "sync_request"
)

// Unlimited disables the limit for an action (enterprise tenants)
const Unlimited = -1

// TenantLimits carries a tenant's per-action limits; a missing action denies
type TenantLimits struct {
	RateLimits map[Action]int `json:"rate_limits"`
}

// TenantLimiterConfig maps actions to their sliding windows
type TenantLimiterConfig struct {
	Windows map[Action]time.Duration `mapstructure:"windows"`
}

// DefaultTenantLimiterConfig returns the per-action window defaults
func DefaultTenantLimiterConfig() TenantLimiterConfig {
	return TenantLimiterConfig{
		Windows: map[Action]time.Duration{
			ActionCommand:          time.Minute,
			ActionEligibilityCheck: time.Hour,
			ActionSyncRequest:      24 * time.Hour,
		},
	}
}

// TenantCheckResult is the tenant-quota admission decision
type TenantCheckResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// TenantRateLimiter gates per-(tenant, action) quotas with a sliding-window
// sorted set: members are "timestamp:nonce" scored by arrival time, evicted
// past the window on every check. Fails closed on substrate errors.
type TenantRateLimiter struct {
	store   Substrate
	config  TenantLimiterConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTenantRateLimiter creates the tenant tier limiter
func NewTenantRateLimiter(store Substrate, config TenantLimiterConfig, logger observability.Logger, metrics observability.MetricsClient) *TenantRateLimiter {
	if len(config.Windows) == 0 {
		config = DefaultTenantLimiterConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("ratelimit.tenant")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &TenantRateLimiter{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

func tenantWindowKey(tenantID string, action Action) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenantID, action)
}

// Check admits or rejects one action for a tenant. The member format is
// "timestampMs:nonce" and the denial path parses the oldest member with the
// same format, so producers and consumers stay symmetric.
func (l *TenantRateLimiter) Check(ctx context.Context, tenantID string, action Action, limits TenantLimits) (TenantCheckResult, error) {
	limit, ok := limits.RateLimits[action]
	if !ok {
		return TenantCheckResult{Allowed: false, Limit: 0, RetryAfter: time.Second}, nil
	}
	if limit == Unlimited {
		return TenantCheckResult{Allowed: true, Remaining: Unlimited, Limit: Unlimited}, nil
	}

	window, ok := l.config.Windows[action]
	if !ok {
		window = time.Minute
	}

	key := tenantWindowKey(tenantID, action)
	now := time.Now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	// Evict members that slid out of the window.
	if _, err := l.store.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)); err != nil {
		return l.failClosed(action, err)
	}

	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return l.failClosed(action, err)
	}

	if count >= int64(limit) {
		resetAt := now.Add(window)
		oldest, err := l.store.ZRangeByScore(ctx, key, fmt.Sprintf("%d", cutoff), "+inf", 0, 1)
		if err == nil && len(oldest) > 0 {
			if ts, perr := strconv.ParseInt(strings.SplitN(oldest[0], ":", 2)[0], 10, 64); perr == nil {
				resetAt = time.UnixMilli(ts).Add(window)
			}
		}
		retryAfter := time.Until(resetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.metrics.IncrementCounterWithLabels("tenant_rate_limit_denials_total", 1.0, map[string]string{
			"action": string(action),
		})
		return TenantCheckResult{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	member := fmt.Sprintf("%d:%s", nowMs, uuid.NewString())
	if _, err := l.store.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return l.failClosed(action, err)
	}
	ttl := window + 60*time.Second
	if _, err := l.store.Expire(ctx, key, ttl); err != nil {
		l.logger.Warn("failed to arm window ttl", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	return TenantCheckResult{
		Allowed:   true,
		Remaining: limit - int(count) - 1,
		Limit:     limit,
		ResetAt:   now.Add(window),
	}, nil
}

func (l *TenantRateLimiter) failClosed(action Action, err error) (TenantCheckResult, error) {
	l.logger.Warn("tenant limiter substrate error, denying", map[string]interface{}{
		"action": string(action),
		"error":  err.Error(),
	})
	return TenantCheckResult{Allowed: false, RetryAfter: time.Second}, err
}
