package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/events"
	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// Strategy identifies how a domain event was translated into cache work
type Strategy string

const (
	StrategyInvalidate        Strategy = "invalidate"
	StrategyWriteThrough      Strategy = "write_through"
	StrategyPatternInvalidate Strategy = "pattern_invalidate"
)

// InvalidationRecord is one entry in the invalidator's debug history
type InvalidationRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Pattern      string    `json:"pattern"`
	Strategy     Strategy  `json:"strategy"`
	Reason       string    `json:"reason"`
	AffectedKeys []string  `json:"affected_keys,omitempty"`
}

const invalidationHistorySize = 100

// Invalidator translates domain write events into cache operations. Every
// call appends to a fixed-size ring buffer so recent invalidation activity
// can be inspected when debugging stale reads.
type Invalidator struct {
	cache   *MultiLayerCache
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	history []InvalidationRecord
	next    int
	filled  bool
}

// NewInvalidator creates an invalidator over the multi-layer cache
func NewInvalidator(cache *MultiLayerCache, logger observability.Logger, metrics observability.MetricsClient) *Invalidator {
	if logger == nil {
		logger = observability.NewLogger("cache.invalidator")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Invalidator{
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		history: make([]InvalidationRecord, invalidationHistorySize),
	}
}

// OnUserVaultUpdate drops the cached vault for a user
func (i *Invalidator) OnUserVaultUpdate(ctx context.Context, userID string) {
	key := UserVaultKey(userID)
	i.cache.Delete(ctx, key)
	i.record(key, StrategyInvalidate, "user_vault_update", key)
}

// OnScoreUpdate drops the user's position and the guild leaderboard
func (i *Invalidator) OnScoreUpdate(ctx context.Context, userID, guildID string) {
	position := UserPositionKey(userID, guildID)
	leaderboard := GuildLeaderboardKey(guildID)
	i.cache.Delete(ctx, position)
	i.cache.Delete(ctx, leaderboard)
	i.record(position, StrategyInvalidate, "score_update", position, leaderboard)
}

// OnLeaderboardChange pattern-invalidates everything cached for the guild's
// leaderboard across all replicas
func (i *Invalidator) OnLeaderboardChange(ctx context.Context, guildID string) error {
	pattern := PatternGuildLeaderboard(guildID)
	err := i.cache.InvalidatePattern(ctx, pattern, "leaderboard_change")
	i.record(pattern, StrategyPatternInvalidate, "leaderboard_change")
	return err
}

// OnTenantConfigChange drops the cached tenant configuration
func (i *Invalidator) OnTenantConfigChange(ctx context.Context, guildID string) {
	key := TenantConfigKey(guildID)
	i.cache.Delete(ctx, key)
	i.record(key, StrategyInvalidate, "tenant_config_change", key)
}

// OnChainReorg pattern-invalidates every cached RPC result
func (i *Invalidator) OnChainReorg(ctx context.Context) error {
	pattern := PatternAllRPC()
	err := i.cache.InvalidatePattern(ctx, pattern, "chain_reorg")
	i.record(pattern, StrategyPatternInvalidate, "chain_reorg")
	return err
}

// OnBalanceChange drops the cached balance for a wallet
func (i *Invalidator) OnBalanceChange(ctx context.Context, walletAddr string) {
	key := RPCBalanceKey(walletAddr)
	i.cache.Delete(ctx, key)
	i.record(key, StrategyInvalidate, "balance_change", key)
}

// WriteThroughUserVault replaces the cached vault instead of dropping it
func (i *Invalidator) WriteThroughUserVault(ctx context.Context, userID string, value interface{}) error {
	key := UserVaultKey(userID)
	err := i.cache.Set(ctx, key, value, 0, 0)
	i.record(key, StrategyWriteThrough, "user_vault_update", key)
	return err
}

// WriteThroughTenantConfig replaces the cached tenant config
func (i *Invalidator) WriteThroughTenantConfig(ctx context.Context, guildID string, value interface{}) error {
	key := TenantConfigKey(guildID)
	err := i.cache.Set(ctx, key, value, 0, 0)
	i.record(key, StrategyWriteThrough, "tenant_config_change", key)
	return err
}

// OnBulkUserUpdate drops vault entries for many users in parallel
func (i *Invalidator) OnBulkUserUpdate(ctx context.Context, userIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	keys := make([]string, len(userIDs))
	for idx, userID := range userIDs {
		key := UserVaultKey(userID)
		keys[idx] = key
		g.Go(func() error {
			i.cache.Delete(gctx, key)
			return nil
		})
	}
	err := g.Wait()
	i.record("vault:user:", StrategyInvalidate, "bulk_user_update", keys...)
	return err
}

// InvalidateNamespace pattern-invalidates a whole namespace
func (i *Invalidator) InvalidateNamespace(ctx context.Context, namespace string) error {
	pattern := PatternNamespace(namespace)
	err := i.cache.InvalidatePattern(ctx, pattern, "namespace_invalidation")
	i.record(pattern, StrategyPatternInvalidate, "namespace_invalidation")
	return err
}

// SubscribeConfigReload wires the config reload channel to the matching
// invalidations: tenant events drop that guild's config, global and feature
// flag events flush the config namespace.
func (i *Invalidator) SubscribeConfigReload(ctx context.Context, store Substrate) (func(), error) {
	return store.Subscribe(ctx, events.ChannelConfigReload, func(payload string) {
		event, err := events.DecodeConfigReloadEvent(payload)
		if err != nil {
			i.logger.Warn("dropping malformed config reload event", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		switch event.Type {
		case events.ConfigReloadTenant:
			i.OnTenantConfigChange(context.Background(), event.TargetID)
		case events.ConfigReloadGlobal, events.ConfigReloadFeatureFlag:
			_ = i.InvalidateNamespace(context.Background(), NamespaceConfig)
		}
	})
}

// History returns the recorded invalidations, most recent first
func (i *Invalidator) History() []InvalidationRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	size := i.next
	if i.filled {
		size = invalidationHistorySize
	}
	out := make([]InvalidationRecord, 0, size)
	for n := 0; n < size; n++ {
		idx := (i.next - 1 - n + invalidationHistorySize) % invalidationHistorySize
		out = append(out, i.history[idx])
	}
	return out
}

// StatsByReason counts recorded invalidations per reason inside the window
func (i *Invalidator) StatsByReason(window time.Duration) map[string]int {
	cutoff := time.Now().Add(-window)
	stats := make(map[string]int)
	for _, rec := range i.History() {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		stats[rec.Reason]++
	}
	return stats
}

func (i *Invalidator) record(pattern string, strategy Strategy, reason string, affectedKeys ...string) {
	i.mu.Lock()
	i.history[i.next] = InvalidationRecord{
		Timestamp:    time.Now(),
		Pattern:      pattern,
		Strategy:     strategy,
		Reason:       reason,
		AffectedKeys: affectedKeys,
	}
	i.next = (i.next + 1) % invalidationHistorySize
	if i.next == 0 {
		i.filled = true
	}
	i.mu.Unlock()

	i.metrics.IncrementCounterWithLabels("cache_invalidations_total", 1.0, map[string]string{
		"strategy": string(strategy),
		"reason":   reason,
	})
}
