package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTenantLimiter(t *testing.T, store Substrate) *TenantRateLimiter {
	t.Helper()
	return NewTenantRateLimiter(store, DefaultTenantLimiterConfig(), nil, nil)
}

func commandLimits(n int) TenantLimits {
	return TenantLimits{RateLimits: map[Action]int{ActionCommand: n}}
}

func TestTenantLimiterAllowsUpToLimit(t *testing.T) {
	store, _ := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)
	ctx := context.Background()

	limits := commandLimits(3)
	for i := 0; i < 3; i++ {
		res, err := tl.Check(ctx, "t1", ActionCommand, limits)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-i-1, res.Remaining, "request %d", i)
	}

	res, err := tl.Check(ctx, "t1", ActionCommand, limits)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 3, res.Limit)
	assert.Positive(t, res.RetryAfter)
	// The window re-opens when the oldest admitted request slides out.
	assert.WithinDuration(t, time.Now().Add(time.Minute), res.ResetAt, 5*time.Second)
}

func TestTenantLimiterActionsIsolated(t *testing.T) {
	store, _ := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)
	ctx := context.Background()

	limits := TenantLimits{RateLimits: map[Action]int{
		ActionCommand:          1,
		ActionEligibilityCheck: 1,
	}}

	res, err := tl.Check(ctx, "t1", ActionCommand, limits)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = tl.Check(ctx, "t1", ActionCommand, limits)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Exhausting command leaves eligibility_check untouched.
	res, err = tl.Check(ctx, "t1", ActionEligibilityCheck, limits)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTenantLimiterTenantsIsolated(t *testing.T) {
	store, _ := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)
	ctx := context.Background()

	limits := commandLimits(1)
	res, err := tl.Check(ctx, "t1", ActionCommand, limits)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = tl.Check(ctx, "t1", ActionCommand, limits)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = tl.Check(ctx, "t2", ActionCommand, limits)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTenantLimiterUnlimited(t *testing.T) {
	store, _ := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)
	ctx := context.Background()

	limits := commandLimits(Unlimited)
	for i := 0; i < 50; i++ {
		res, err := tl.Check(ctx, "t1", ActionCommand, limits)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, Unlimited, res.Remaining)
	}
}

func TestTenantLimiterMissingActionDenies(t *testing.T) {
	store, _ := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)

	res, err := tl.Check(context.Background(), "t1", ActionSyncRequest, commandLimits(10))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Limit)
}

func TestTenantLimiterArmsWindowTTL(t *testing.T) {
	store, mr := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)

	res, err := tl.Check(context.Background(), "t1", ActionCommand, commandLimits(5))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Key expires a grace period after the window so idle tenants cost nothing.
	assert.Equal(t, time.Minute+60*time.Second, mr.TTL("ratelimit:t1:command"))
}

func TestTenantLimiterFailsClosed(t *testing.T) {
	store, mr := newTestSubstrate(t)
	tl := newTestTenantLimiter(t, store)

	mr.Close()
	res, err := tl.Check(context.Background(), "t1", ActionCommand, commandLimits(10))
	assert.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}
