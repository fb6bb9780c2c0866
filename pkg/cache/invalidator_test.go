package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/events"
)

func newTestInvalidator(t *testing.T) (*Invalidator, *MultiLayerCache, Substrate) {
	t.Helper()
	store, _ := newTestSubstrate(t)
	c := newTestMultiLayer(t, store, true)
	return NewInvalidator(c, nil, nil), c, store
}

func TestInvalidatorUserVaultUpdate(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserVaultKey("u1"), payload{V: 1}, 0, 0))
	inv.OnUserVaultUpdate(ctx, "u1")

	assert.Equal(t, LayerMiss, c.Get(ctx, UserVaultKey("u1")).Layer)

	history := inv.History()
	require.Len(t, history, 1)
	assert.Equal(t, "vault:user:u1", history[0].Pattern)
	assert.Equal(t, StrategyInvalidate, history[0].Strategy)
	assert.Equal(t, "user_vault_update", history[0].Reason)
}

func TestInvalidatorScoreUpdate(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserPositionKey("u1", "g1"), payload{V: 1}, 0, 0))
	require.NoError(t, c.Set(ctx, GuildLeaderboardKey("g1"), payload{V: 2}, 0, 0))

	inv.OnScoreUpdate(ctx, "u1", "g1")

	assert.Equal(t, LayerMiss, c.Get(ctx, UserPositionKey("u1", "g1")).Layer)
	assert.Equal(t, LayerMiss, c.Get(ctx, GuildLeaderboardKey("g1")).Layer)
}

func TestInvalidatorLeaderboardChange(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, GuildLeaderboardKey("g1"), payload{V: 1}, 0, 0))
	require.NoError(t, inv.OnLeaderboardChange(ctx, "g1"))

	assert.Eventually(t, func() bool {
		return c.Get(ctx, GuildLeaderboardKey("g1")).Layer == LayerMiss
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidatorChainReorgAndBalance(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, RPCBalanceKey("0xAbC"), payload{V: 1}, 0, 0))

	inv.OnBalanceChange(ctx, "0xAbC")
	assert.Equal(t, LayerMiss, c.Get(ctx, RPCBalanceKey("0xabc")).Layer)

	require.NoError(t, c.Set(ctx, RPCBalanceKey("0xdef"), payload{V: 2}, 0, 0))
	require.NoError(t, inv.OnChainReorg(ctx))
	assert.Eventually(t, func() bool {
		return !c.l1.Has(RPCBalanceKey("0xdef"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidatorWriteThrough(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, inv.WriteThroughUserVault(ctx, "u1", payload{V: 3}))

	var out payload
	_, ok := c.GetInto(ctx, UserVaultKey("u1"), &out)
	assert.True(t, ok)
	assert.Equal(t, 3, out.V)

	history := inv.History()
	require.Len(t, history, 1)
	assert.Equal(t, StrategyWriteThrough, history[0].Strategy)
}

func TestInvalidatorBulkUserUpdate(t *testing.T) {
	inv, c, _ := newTestInvalidator(t)
	ctx := context.Background()

	userIDs := make([]string, 20)
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("u%d", i)
		require.NoError(t, c.Set(ctx, UserVaultKey(userIDs[i]), payload{V: i}, 0, 0))
	}

	require.NoError(t, inv.OnBulkUserUpdate(ctx, userIDs))
	for _, userID := range userIDs {
		assert.Equal(t, LayerMiss, c.Get(ctx, UserVaultKey(userID)).Layer)
	}
}

func TestInvalidatorHistoryRingBuffer(t *testing.T) {
	inv, _, _ := newTestInvalidator(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		inv.OnUserVaultUpdate(ctx, fmt.Sprintf("u%d", i))
	}

	history := inv.History()
	assert.Len(t, history, 100)
	// Most recent first.
	assert.Equal(t, "vault:user:u149", history[0].Pattern)
	assert.Equal(t, "vault:user:u50", history[99].Pattern)
}

func TestInvalidatorStatsByReason(t *testing.T) {
	inv, _, _ := newTestInvalidator(t)
	ctx := context.Background()

	inv.OnUserVaultUpdate(ctx, "u1")
	inv.OnUserVaultUpdate(ctx, "u2")
	inv.OnScoreUpdate(ctx, "u1", "g1")

	stats := inv.StatsByReason(time.Minute)
	assert.Equal(t, 2, stats["user_vault_update"])
	assert.Equal(t, 1, stats["score_update"])
}

func TestInvalidatorConfigReloadSubscription(t *testing.T) {
	inv, c, store := newTestInvalidator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, TenantConfigKey("g1"), payload{V: 1}, 0, 0))

	unsubscribe, err := inv.SubscribeConfigReload(ctx, store)
	require.NoError(t, err)
	defer unsubscribe()

	event := events.ConfigReloadEvent{
		Type:      events.ConfigReloadTenant,
		TargetID:  "g1",
		Timestamp: time.Now(),
		Source:    "test",
	}
	payloadStr, err := event.Encode()
	require.NoError(t, err)
	_, err = store.Publish(ctx, events.ChannelConfigReload, payloadStr)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.Get(ctx, TenantConfigKey("g1")).Layer == LayerMiss
	}, 2*time.Second, 10*time.Millisecond)
}
