package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/kv"
)

func newTestSubstrate(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewStoreFromClient(client, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newTestRequestLimiter(t *testing.T, store Substrate, config RequestLimiterConfig) *RequestRateLimiter {
	t.Helper()
	// Local shed guard off so tests exercise the substrate path.
	config.LocalRPS = 0
	return NewRequestRateLimiter(store, config, nil, nil)
}

func freeOnlyConfig(limits ClassLimits) RequestLimiterConfig {
	return RequestLimiterConfig{Classes: map[AccessClass]ClassLimits{ClassFree: limits}}
}

func TestRequestLimiterAllowsUnderLimit(t *testing.T) {
	store, _ := newTestSubstrate(t)
	rl := newTestRequestLimiter(t, store, DefaultRequestLimiterConfig())

	res := rl.Check(context.Background(), CheckRequest{
		GuildID:   "g1",
		UserID:    "u1",
		ChannelID: "c1",
		Class:     ClassFree,
	})
	assert.True(t, res.Allowed)
}

func TestRequestLimiterUserDimension(t *testing.T) {
	store, _ := newTestSubstrate(t)
	rl := newTestRequestLimiter(t, store, freeOnlyConfig(ClassLimits{
		UserLimit: 2, UserWindow: time.Minute,
		BurstCapacity: 100, BurstRefillPerSec: 100,
	}))
	ctx := context.Background()

	req := CheckRequest{UserID: "u1", Class: ClassFree}
	assert.True(t, rl.Check(ctx, req).Allowed)
	assert.True(t, rl.Check(ctx, req).Allowed)

	res := rl.Check(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionUser, res.Dimension)
	assert.Positive(t, res.RetryAfter)
}

func TestRequestLimiterGuildDimension(t *testing.T) {
	store, _ := newTestSubstrate(t)
	rl := newTestRequestLimiter(t, store, freeOnlyConfig(ClassLimits{
		UserLimit: 10, UserWindow: time.Minute,
		GuildLimit: 60, GuildWindow: time.Minute,
		ChannelLimit: 20, ChannelWindow: time.Minute,
		BurstCapacity: 100, BurstRefillPerSec: 100,
	}))
	ctx := context.Background()

	// 60 distinct users, one request each: all admitted.
	for i := 0; i < 60; i++ {
		res := rl.Check(ctx, CheckRequest{
			GuildID:   "g1",
			UserID:    fmt.Sprintf("u%d", i),
			ChannelID: fmt.Sprintf("c%d", i%5),
			Class:     ClassFree,
		})
		require.True(t, res.Allowed, "request %d", i)
	}

	// The 61st request from a fresh user and channel fails on the guild.
	res := rl.Check(ctx, CheckRequest{
		GuildID:   "g1",
		UserID:    "u-fresh",
		ChannelID: "c-fresh",
		Class:     ClassFree,
	})
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionGuild, res.Dimension)
	assert.Positive(t, res.RetryAfter)
}

func TestRequestLimiterGuildRefundOnUserDenial(t *testing.T) {
	store, mr := newTestSubstrate(t)
	rl := newTestRequestLimiter(t, store, freeOnlyConfig(ClassLimits{
		UserLimit: 1, UserWindow: time.Minute,
		GuildLimit: 60, GuildWindow: time.Minute,
		BurstCapacity: 100, BurstRefillPerSec: 100,
	}))
	ctx := context.Background()

	req := CheckRequest{GuildID: "g1", UserID: "u1", Class: ClassFree}
	require.True(t, rl.Check(ctx, req).Allowed)
	require.Equal(t, "1", mustGet(t, mr, "rl:req:guild:g1"))

	res := rl.Check(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionUser, res.Dimension)

	// The guild point consumed by the denied request was refunded.
	assert.Equal(t, "1", mustGet(t, mr, "rl:req:guild:g1"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	val, err := mr.Get(key)
	require.NoError(t, err)
	return val
}

func TestRequestLimiterBurstDimension(t *testing.T) {
	store, _ := newTestSubstrate(t)
	config := DefaultRequestLimiterConfig()
	config.LocalRPS = 0
	rl := NewRequestRateLimiter(store, config, nil, nil)
	ctx := context.Background()

	// Enterprise burst capacity is 10: exactly 10 rapid-fire requests pass.
	req := CheckRequest{UserID: "u1", Class: ClassEnterprise}
	for i := 0; i < 10; i++ {
		res := rl.Check(ctx, req)
		require.True(t, res.Allowed, "request %d", i)
	}

	res := rl.Check(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionBurst, res.Dimension)
	assert.Positive(t, res.RetryAfter)
}

func TestRequestLimiterWindowReset(t *testing.T) {
	store, mr := newTestSubstrate(t)
	rl := newTestRequestLimiter(t, store, freeOnlyConfig(ClassLimits{
		UserLimit: 1, UserWindow: time.Minute,
		BurstCapacity: 100, BurstRefillPerSec: 100,
	}))
	ctx := context.Background()

	req := CheckRequest{UserID: "u1", Class: ClassFree}
	require.True(t, rl.Check(ctx, req).Allowed)
	require.False(t, rl.Check(ctx, req).Allowed)

	mr.FastForward(2 * time.Minute)
	assert.True(t, rl.Check(ctx, req).Allowed)
}

func TestRequestLimiterFailsClosed(t *testing.T) {
	store, mr := newTestSubstrate(t)
	config := DefaultRequestLimiterConfig()
	config.LocalRPS = 0
	rl := NewRequestRateLimiter(store, config, nil, nil)

	// Substrate down: every check is denied with a retry hint.
	mr.Close()
	res := rl.Check(context.Background(), CheckRequest{UserID: "u1", Class: ClassFree})
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestRequestLimiterLocalShedGuard(t *testing.T) {
	store, _ := newTestSubstrate(t)
	config := freeOnlyConfig(ClassLimits{UserLimit: 1000, UserWindow: time.Minute})
	config.LocalRPS = 1
	config.LocalBurst = 1
	rl := NewRequestRateLimiter(store, config, nil, nil)
	ctx := context.Background()

	require.True(t, rl.Check(ctx, CheckRequest{UserID: "u1", Class: ClassFree}).Allowed)
	res := rl.Check(ctx, CheckRequest{UserID: "u1", Class: ClassFree})
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionLocal, res.Dimension)
}
