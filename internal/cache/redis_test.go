package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return mr, c
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SetGetDelete", func(t *testing.T) {
		mr, c := setupRedis(t)

		require.NoError(t, c.Set(ctx, "tenant-001", "k", []byte("v"), time.Minute))
		assert.True(t, mr.Exists("kestrel:tenant-001:k"))

		val, err := c.Get(ctx, "tenant-001", "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(val))

		require.NoError(t, c.Delete(ctx, "tenant-001", "k"))
		val, err = c.Get(ctx, "tenant-001", "k")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("CounterWindow", func(t *testing.T) {
		mr, c := setupRedis(t)

		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, "tenant-001", "velocity", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		n, err := c.GetCounter(ctx, "tenant-001", "velocity")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		ttl := mr.TTL("kestrel:tenant-001:counter:velocity")
		assert.Equal(t, time.Minute, ttl, "expiry is armed on the first increment only")

		mr.FastForward(61 * time.Second)

		n, err = c.GetCounter(ctx, "tenant-001", "velocity")
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := c.IncrementCounter(ctx, "tenant-001", "velocity", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		_, c := setupRedis(t)

		_, err := c.IncrementCounter(ctx, "", "velocity", time.Minute)
		assert.Error(t, err)
		_, err = c.GetCounter(ctx, "", "velocity")
		assert.Error(t, err)
	})

	t.Run("ConnectFailure", func(t *testing.T) {
		_, err := NewRedisCache(domain.CacheConfig{RedisAddr: "127.0.0.1:1"})
		assert.Error(t, err)
	})
}

func newTestTiered(t *testing.T, mr *miniredis.Miniredis) *TieredCache {
	t.Helper()

	shared, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	c, err := newTiered(NewMemoryCache(10), shared, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTieredCache(t *testing.T) {
	ctx := context.Background()
	mr, remote := setupRedis(t)
	c := newTestTiered(t, mr)

	t.Run("FillsNearTierFromRedis", func(t *testing.T) {
		require.NoError(t, remote.Set(ctx, "tenant-001", "warm", []byte("from-redis"), time.Hour))

		val, err := c.Get(ctx, "tenant-001", "warm")
		require.NoError(t, err)
		assert.Equal(t, "from-redis", string(val))

		near, err := c.near.lookup("tenant-001", "warm")
		require.NoError(t, err)
		assert.Equal(t, "from-redis", string(near))
	})

	t.Run("NearTTLNeverOutlivesValue", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		c.near.clock = clock.Now
		defer func() { c.near.clock = time.Now }()

		require.NoError(t, c.Set(ctx, "tenant-001", "short", []byte("v"), 10*time.Second))
		clock.Advance(11 * time.Second)

		near, err := c.near.lookup("tenant-001", "short")
		require.NoError(t, err)
		assert.Nil(t, near)
	})

	t.Run("DeleteClearsBothTiers", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "tenant-001", "k", []byte("v"), time.Hour))
		require.NoError(t, c.Delete(ctx, "tenant-001", "k"))

		assert.False(t, mr.Exists("kestrel:tenant-001:k"))
		near, _ := c.near.lookup("tenant-001", "k")
		assert.Nil(t, near)
	})

	t.Run("DeleteEvictsPeerNearTier", func(t *testing.T) {
		peer := newTestTiered(t, mr)

		require.NoError(t, c.Set(ctx, "tenant-001", "blk", []byte("hit"), time.Hour))
		val, err := peer.Get(ctx, "tenant-001", "blk")
		require.NoError(t, err)
		require.Equal(t, "hit", string(val))

		require.NoError(t, c.Delete(ctx, "tenant-001", "blk"))

		assert.Eventually(t, func() bool {
			near, _ := peer.near.lookup("tenant-001", "blk")
			return near == nil
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("CountersBypassNearTier", func(t *testing.T) {
		_, err := c.IncrementCounter(ctx, "tenant-001", "shared", time.Minute)
		require.NoError(t, err)
		// Another node incrementing through Redis directly
		_, err = remote.IncrementCounter(ctx, "tenant-001", "shared", time.Minute)
		require.NoError(t, err)

		n, err := c.GetCounter(ctx, "tenant-001", "shared")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("FactoryRedisType", func(t *testing.T) {
		got, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		require.NoError(t, err)
		defer got.Close()
		assert.IsType(t, &RedisCache{}, got)
	})

	t.Run("FactoryTieredType", func(t *testing.T) {
		got, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr(), EnableTwoPhase: true})
		require.NoError(t, err)
		defer got.Close()
		assert.IsType(t, &TieredCache{}, got)
	})
}
