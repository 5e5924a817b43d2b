package user_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/testutils"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/user"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// setupService 建立 Postgres + Redis + 本地層的完整堆疊
func setupService(t *testing.T) (*user.Service, *user.Repository, *testutils.TestEnvironment) {
	t.Helper()

	env := testutils.SetupTestEnvironment(t)
	cfg := testutils.DefaultTestConfig()

	users := cfg.Cache.Defaults
	users.CacheName = user.CacheName
	users.AllowNullValue = true
	users.NullValueMagnification = 2
	reg := policy.NewRegistry(cfg.Cache.Defaults, policy.StaticSource{user.CacheName: users}, env.Logger)

	local := tier.NewLocal(
		tier.WithShards(cfg.Cache.LocalShards),
		tier.WithSegmentPolicy(cache.LocalSegments(reg)),
	)
	t.Cleanup(local.Close)
	remote := tier.NewRemote(env.RedisClient, tier.WithPrefix("test:"), tier.WithTimeout(cfg.Redis.OpTimeout))

	orch := cache.New(reg, cache.WithLocal(local), cache.WithRemote(remote), cache.WithLogger(env.Logger))
	t.Cleanup(orch.Close)

	repo := user.NewRepository(env.PostgresPool)
	return user.NewService(repo, orch, env.Logger), repo, env
}

func TestRepository(t *testing.T) {
	_, repo, _ := setupService(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	updated, err := repo.Update(ctx, created.ID, "Alice B", "alice.b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", updated.Name)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = repo.Create(ctx, "Imposter", "alice.b@example.com")
	assert.True(t, apperrors.IsInvalidInput(err), "duplicate email: %v", err)

	require.NoError(t, repo.Delete(ctx, created.ID))
	_, err = repo.Get(ctx, created.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, created.ID)))

	_, err = repo.Update(ctx, uuid.New(), "x", "x@example.com")
	assert.True(t, apperrors.IsNotFound(err))
}

// TestService_GetIsCached 測試第二次讀取不查資料庫
func TestService_GetIsCached(t *testing.T) {
	svc, _, env := setupService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, "Bob", "bob@example.com")
	require.NoError(t, err)

	first, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", first.Name)

	// 繞過服務直接改資料庫，快取仍返回舊值
	_, err = env.PostgresPool.Exec(ctx, `UPDATE users SET name = 'Robert' WHERE id = $1`, u.ID)
	require.NoError(t, err)

	second, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", second.Name)

	// Redis 中也有一份
	keys, err := env.RedisClient.Keys(ctx, "test:users:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

// TestService_NotFoundIsCached 測試不存在的 ID 以 null 快取
func TestService_NotFoundIsCached(t *testing.T) {
	svc, _, env := setupService(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := svc.Get(ctx, id)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.PostgresPool.Exec(ctx,
		`INSERT INTO users (id, name, email) VALUES ($1, 'Late', 'late@example.com')`, id)
	require.NoError(t, err)

	_, err = svc.Get(ctx, id)
	assert.True(t, apperrors.IsNotFound(err), "null entry is served until evicted")

	ttl, err := env.RedisClient.PTTL(ctx, "test:users:"+id.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, testutils.DefaultTestConfig().Cache.Defaults.RemoteTTL/2)
}

// TestService_UpdateWritesThrough 測試更新後直接讀到新值
func TestService_UpdateWritesThrough(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, "Carol", "carol@example.com")
	require.NoError(t, err)
	_, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)

	_, err = svc.Update(ctx, u.ID, "Caroline", "caroline@example.com")
	require.NoError(t, err)

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Caroline", got.Name)
	assert.Equal(t, "caroline@example.com", got.Email)
}

func TestService_Delete(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, "Dave", "dave@example.com")
	require.NoError(t, err)
	_, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, u.ID))

	_, err = svc.Get(ctx, u.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

// TestService_ConcurrentGet 測試併發讀取同一使用者全部拿到相同結果
func TestService_ConcurrentGet(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, "Eve", "eve@example.com")
	require.NoError(t, err)

	testutils.RunConcurrently(t, 20, 5, func(_, _ int) {
		got, err := svc.Get(ctx, u.ID)
		assert.NoError(t, err)
		if assert.NotNil(t, got) {
			assert.Equal(t, u.ID, got.ID)
		}
	})
}
