package cache_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

type profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestFetch(t *testing.T) {
	f := newFixture(t, usersPolicy())
	ctx := context.Background()
	var calls atomic.Int32
	load := func(context.Context) (*profile, error) {
		calls.Add(1)
		return &profile{ID: 42, Name: "A"}, nil
	}

	for range 2 {
		p, err := cache.Fetch(ctx, f.orch, usersReq("u:42"), load)
		require.NoError(t, err)
		assert.Equal(t, &profile{ID: 42, Name: "A"}, p)
	}

	assert.Equal(t, int32(1), calls.Load())
	raw, _ := f.remote.Value(mustKey(t, "users", "u:42"))
	assert.JSONEq(t, `{"id":42,"name":"A"}`, string(raw))
}

func TestFetch_NilResult(t *testing.T) {
	f := newFixture(t, usersPolicy(func(c *policy.Config) { c.AllowNullValue = true }))
	var calls atomic.Int32
	load := func(context.Context) (*profile, error) {
		calls.Add(1)
		return nil, nil
	}

	for range 2 {
		p, err := cache.Fetch(context.Background(), f.orch, usersReq("ghost"), load)
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_CorruptedEntry(t *testing.T) {
	t.Run("tolerated recomputes", func(t *testing.T) {
		f := newFixture(t, usersPolicy())
		k := mustKey(t, "users", "1")
		f.local.Seed(k, []byte("not json"), time.Minute)

		p, err := cache.Fetch(context.Background(), f.orch, usersReq("1"), func(context.Context) (profile, error) {
			return profile{ID: 1, Name: "fresh"}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "fresh", p.Name)
		raw, _ := f.local.Value(k)
		assert.JSONEq(t, `{"id":1,"name":"fresh"}`, string(raw))
	})

	t.Run("strict fails", func(t *testing.T) {
		f := newFixture(t, usersPolicy(strict))
		f.local.Seed(mustKey(t, "users", "1"), []byte("not json"), time.Minute)

		_, err := cache.Fetch(context.Background(), f.orch, usersReq("1"), func(context.Context) (profile, error) {
			t.Fatal("compute must not run")
			return profile{}, nil
		})

		assert.True(t, apperrors.IsTierMalfunction(err))
	})
}

func TestPutJSON(t *testing.T) {
	f := newFixture(t, usersPolicy())
	ctx := context.Background()

	require.NoError(t, cache.PutJSON(ctx, f.orch, usersReq("7"), profile{ID: 7, Name: "B"}))

	p, err := cache.Fetch(ctx, f.orch, usersReq("7"), func(context.Context) (profile, error) {
		t.Fatal("value was written through, compute must not run")
		return profile{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, profile{ID: 7, Name: "B"}, p)
}
