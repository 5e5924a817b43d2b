package tier_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/testutils"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// 整合測試：需要 Docker，-short 時跳過
func TestRemote_Integration(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	t.Run("miss then hit with remaining ttl", func(t *testing.T) {
		env.FlushRedis(t)
		remote := tier.NewRemote(env.RedisClient)
		k := mustKey(t, "users", "1")

		_, found, err := remote.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, remote.Put(ctx, k, []byte(`{"id":1}`), 30*time.Second))

		entry, found, err := remote.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(`{"id":1}`), entry.Value)
		assert.Equal(t, tier.OriginRemote, entry.Origin)
		assert.InDelta(t, 30*time.Second, entry.TTL, float64(2*time.Second))
	})

	t.Run("keys are prefixed and namespaced", func(t *testing.T) {
		env.FlushRedis(t)
		remote := tier.NewRemote(env.RedisClient, tier.WithPrefix("svc:"))

		require.NoError(t, remote.Put(ctx, mustKey(t, "users", "7"), []byte("v"), time.Minute))

		val, err := env.RedisClient.Get(ctx, "svc:users:7").Result()
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("no ttl means persistent", func(t *testing.T) {
		env.FlushRedis(t)
		remote := tier.NewRemote(env.RedisClient)
		k := mustKey(t, "config", "")

		require.NoError(t, remote.Put(ctx, k, []byte("v"), 0))

		entry, found, err := remote.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found)
		assert.Zero(t, entry.TTL)
	})

	t.Run("evict is idempotent", func(t *testing.T) {
		env.FlushRedis(t)
		remote := tier.NewRemote(env.RedisClient)
		k := mustKey(t, "users", "9")

		require.NoError(t, remote.Put(ctx, k, []byte("v"), time.Minute))
		require.NoError(t, remote.Evict(ctx, k))
		require.NoError(t, remote.Evict(ctx, k))

		_, found, err := remote.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("clear removes only one namespace", func(t *testing.T) {
		env.FlushRedis(t)
		remote := tier.NewRemote(env.RedisClient, tier.WithScanCount(10))

		for i := range 50 {
			require.NoError(t, remote.Put(ctx, mustKey(t, "users", fmt.Sprint(i)), []byte("v"), time.Minute))
		}
		// 名稱含 glob 字元也不會誤刪
		require.NoError(t, remote.Put(ctx, mustKey(t, "users*", "1"), []byte("v"), time.Minute))
		require.NoError(t, remote.Put(ctx, mustKey(t, "orders", "1"), []byte("v"), time.Minute))

		require.NoError(t, remote.Clear(ctx, "users"))

		n, err := env.RedisClient.DBSize(ctx).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

// TestRemote_Unavailable 驗證連線失敗是故障而不是未命中（不需要 Docker）
func TestRemote_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	remote := tier.NewRemote(client, tier.WithTimeout(100*time.Millisecond))
	ctx := context.Background()
	k := mustKey(t, "users", "1")

	_, found, err := remote.Get(ctx, k)
	assert.False(t, found)
	require.Error(t, err)
	assert.True(t, errors.IsTierMalfunction(err))

	err = remote.Put(ctx, k, []byte("v"), time.Minute)
	assert.True(t, errors.IsTierMalfunction(err))

	err = remote.Evict(ctx, k)
	assert.True(t, errors.IsTierMalfunction(err))
}
