package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, NewRedisCacheFromClient(client)
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	val, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, c.Set(ctx, "oracle:abc", []byte(`{"confidence":0.9}`), time.Minute))
	val, err = c.Get(ctx, "oracle:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"confidence":0.9}`, string(val))

	require.NoError(t, c.Delete(ctx, "oracle:abc"))
	val, err = c.Get(ctx, "oracle:abc")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisCache_Observe(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	window := time.Hour
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		count, err := c.Observe(ctx, "velocity:m1:c1", start.Add(time.Duration(i)*time.Minute), window)
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}

	// The window opened at start+1m, so it closes at start+1m+window
	count, err := c.Observe(ctx, "velocity:m1:c1", start.Add(time.Minute+window), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "observation at expiresAt opens a new window")
}

func TestRedisCache_ObserveSetsTTL(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	_, err := c.Observe(ctx, "velocity:m:c", time.Now(), 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, s.TTL(keyPrefix+"counter:velocity:m:c"))

	s.FastForward(31 * time.Second)
	assert.False(t, s.Exists(keyPrefix+"counter:velocity:m:c"))
}

func TestRedisCache_ObserveConcurrent(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Observe(ctx, "velocity:m:c", at, time.Hour)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := c.Observe(ctx, "velocity:m:c", at, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(21), count, "no observation may be lost")
}

func TestTwoPhaseCache(t *testing.T) {
	_, remote := newTestRedis(t)
	c := newTwoPhase(NewLRUCache(10), remote, time.Minute)
	ctx := context.Background()

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		require.NoError(t, remote.Set(ctx, "k", []byte("v"), time.Hour))

		val, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(val))

		local, err := c.local.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(local))
	})

	t.Run("DeleteClearsBothTiers", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "d", []byte("x"), time.Hour))
		require.NoError(t, c.Delete(ctx, "d"))

		val, err := c.Get(ctx, "d")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("CountersLiveInRedis", func(t *testing.T) {
		at := time.Now()
		_, err := c.Observe(ctx, "velocity:x:y", at, time.Hour)
		require.NoError(t, err)

		count, err := remote.Observe(ctx, "velocity:x:y", at, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestNewCache_RedisTwoPhase(t *testing.T) {
	s := miniredis.RunT(t)

	c, err := New(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      s.Addr(),
		EnableTwoPhase: true,
		LocalMaxSize:   10,
	})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.(*TwoPhaseCache)
	assert.True(t, ok, "expected TwoPhaseCache")
}
