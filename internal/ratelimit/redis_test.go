package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "ag:rl:"), mr
}

func TestRedisStore_FixedWindow(t *testing.T) {
	store, mr := newRedisStore(t)
	l := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "pat@example.com", requestCode)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Check(ctx, "pat@example.com", requestCode)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 15*time.Minute)

	assert.True(t, mr.Exists("ag:rl:pat@example.com:request-code"))

	mr.FastForward(15 * time.Minute)
	d, err = l.Check(ctx, "pat@example.com", requestCode)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestRedisStore_ReappliesMissingTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("ag:rl:orphan", "4"))

	count, resetIn, err := store.Increment(ctx, "orphan", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.Equal(t, time.Minute, resetIn)
	assert.Greater(t, mr.TTL("ag:rl:orphan"), time.Duration(0))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, _, err := store.Increment(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}
