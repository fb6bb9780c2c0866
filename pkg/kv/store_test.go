package kv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStoreFromClient(client, nil)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestStoreGetSet(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", "v", 0))
		val, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("ttl expires the key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "short", "v", 50*time.Millisecond))
		mr.FastForward(100 * time.Millisecond)
		_, err := store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete removes the key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", "v", 0))
		require.NoError(t, store.Delete(ctx, "gone"))
		ok, err := store.Exists(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStoreCounters(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	ok, err := store.PExpire(ctx, "counter", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(200 * time.Millisecond)
	ok, err = store.Exists(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSortedSets(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i, member := range []string{"a", "b", "c"} {
		_, err := store.ZAdd(ctx, "window", float64(i*100), member)
		require.NoError(t, err)
	}

	n, err := store.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	members, err := store.ZRangeByScore(ctx, "window", "0", "150", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	removed, err := store.ZRemRangeByScore(ctx, "window", "-inf", "100")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err = store.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStorePubSub(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	received := make(chan string, 1)
	unsubscribe, err := store.Subscribe(ctx, "test:channel", func(payload string) {
		received <- payload
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = store.Publish(ctx, "test:channel", "hello")
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, "hello", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

func TestStoreSubscribeUnsubscribe(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	var count atomic.Int64
	unsubscribe, err := store.Subscribe(ctx, "test:channel", func(string) {
		count.Add(1)
	})
	require.NoError(t, err)

	unsubscribe()
	// Safe to call twice.
	unsubscribe()

	_, err = store.Publish(ctx, "test:channel", "after-close")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}

func TestStoreScan(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "budget:reservation:t1:u1:a", "{}", 0))
	require.NoError(t, store.Set(ctx, "budget:reservation:t1:u2:b", "{}", 0))
	require.NoError(t, store.Set(ctx, "budget:limit:t1", "1000", 0))

	keys, err := store.Scan(ctx, "budget:reservation:t1:*", 10)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
