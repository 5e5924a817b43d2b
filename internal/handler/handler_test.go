package handler_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/handler"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/metrics"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/testutils"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/user"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

// fakeUsers 是記憶體中的 UserService
type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*user.User
	err   error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[uuid.UUID]*user.User)}
}

func (f *fakeUsers) Get(_ context.Context, id uuid.UUID) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("user " + id.String())
	}
	return u, nil
}

func (f *fakeUsers) Create(_ context.Context, name, email string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &user.User{ID: uuid.New(), Name: name, Email: email, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUsers) Update(_ context.Context, id uuid.UUID, name, email string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	u.Name, u.Email = name, email
	return u, nil
}

func (f *fakeUsers) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type setup struct {
	users  *fakeUsers
	local  *testutils.MockTier
	remote *testutils.MockTier
	routes http.Handler
}

func newSetup(t *testing.T, opts ...handler.Option) *setup {
	t.Helper()

	reg := policy.NewRegistry(policy.Default(""), policy.StaticSource{
		"users": policy.Default("users"),
	}, logger.Discard())

	s := &setup{
		users:  newFakeUsers(),
		local:  testutils.NewMockTier(tier.OriginLocal),
		remote: testutils.NewMockTier(tier.OriginRemote),
	}
	orch := cache.New(reg, cache.WithLocal(s.local), cache.WithRemote(s.remote))
	t.Cleanup(orch.Close)

	s.routes = handler.NewHandler(s.users, orch, logger.Discard(), opts...).Routes()
	return s
}

func TestHandler_Users(t *testing.T) {
	s := newSetup(t)

	rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodPost, "/api/v1/users",
		map[string]string{"name": "Alice", "email": "alice@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created user.User
	testutils.ParseJSONResponse(t, rec, &created)
	assert.Equal(t, "Alice", created.Name)

	rec = testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/api/v1/users/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got user.User
	testutils.ParseJSONResponse(t, rec, &got)
	assert.Equal(t, created.ID, got.ID)

	rec = testutils.MakeHTTPRequest(t, s.routes, http.MethodPut, "/api/v1/users/"+created.ID.String(),
		map[string]string{"name": "Alicia", "email": "alicia@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	testutils.ParseJSONResponse(t, rec, &got)
	assert.Equal(t, "Alicia", got.Name)

	rec = testutils.MakeHTTPRequest(t, s.routes, http.MethodDelete, "/api/v1/users/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid id",
			method:     http.MethodGet,
			path:       "/api/v1/users/not-a-uuid",
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.ErrCodeInvalidInput,
		},
		{
			name:       "not found",
			method:     http.MethodGet,
			path:       "/api/v1/users/" + uuid.NewString(),
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.ErrCodeNotFound,
		},
		{
			name:       "invalid body",
			method:     http.MethodPost,
			path:       "/api/v1/users",
			body:       `{invalid json}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.ErrCodeInvalidInput,
		},
		{
			name:       "missing fields",
			method:     http.MethodPut,
			path:       "/api/v1/users/" + uuid.NewString(),
			body:       map[string]string{"name": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.ErrCodeInvalidInput,
		},
		{
			name:       "tier malfunction",
			method:     http.MethodGet,
			path:       "/api/v1/users/" + uuid.NewString(),
			serviceErr: apperrors.TierMalfunction("remote", "get", errors.New("redis down")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   apperrors.ErrCodeTierMalfunction,
		},
		{
			name:       "cancelled",
			method:     http.MethodGet,
			path:       "/api/v1/users/" + uuid.NewString(),
			serviceErr: apperrors.Cancelled(context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   apperrors.ErrCodeCancelled,
		},
		{
			name:       "origin failure",
			method:     http.MethodGet,
			path:       "/api/v1/users/" + uuid.NewString(),
			serviceErr: errors.New("connection reset by peer"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.ErrCodeComputeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSetup(t)
			s.users.err = tt.serviceErr

			rec := testutils.MakeHTTPRequest(t, s.routes, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp struct {
				Success bool   `json:"success"`
				Code    string `json:"code"`
			}
			testutils.ParseJSONResponse(t, rec, &resp)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestHandler_EvictCache(t *testing.T) {
	s := newSetup(t)
	k1, err := key.Encode("users", "1", false)
	require.NoError(t, err)
	k2, err := key.Encode("users", "2", false)
	require.NoError(t, err)
	for _, k := range []key.Key{k1, k2} {
		s.local.Seed(k, []byte("v"), time.Minute)
		s.remote.Seed(k, []byte("v"), time.Minute)
	}

	rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodDelete, "/api/v1/cache/users?key=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Key string `json:"key"`
		All bool   `json:"all"`
	}
	testutils.ParseJSONResponse(t, rec, &resp)
	assert.Equal(t, "1", resp.Key)
	assert.False(t, resp.All)
	assert.Equal(t, 1, s.local.Len())
	assert.Equal(t, 1, s.remote.Len())

	rec = testutils.MakeHTTPRequest(t, s.routes, http.MethodDelete, "/api/v1/cache/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.local.Len())
	assert.Equal(t, 0, s.remote.Len())
}

func TestHandler_Policies(t *testing.T) {
	s := newSetup(t)

	rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/api/v1/policies/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p struct {
		CacheName string `json:"cache_name"`
		LocalTTL  string `json:"local_ttl"`
		RemoteTTL string `json:"remote_ttl"`
	}
	testutils.ParseJSONResponse(t, rec, &p)
	assert.Equal(t, "users", p.CacheName)
	assert.Equal(t, "1m0s", p.LocalTTL)
	assert.Equal(t, "5m0s", p.RemoteTTL)

	rec = testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/api/v1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	testutils.ParseJSONResponse(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "users", list[0]["cache_name"])
}

func TestHandler_HealthAndReady(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		s := newSetup(t)
		rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("ready", func(t *testing.T) {
		s := newSetup(t, handler.WithReadiness("redis", fakePinger{}), handler.WithReadiness("postgres", fakePinger{}))
		rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("dependency down", func(t *testing.T) {
		s := newSetup(t,
			handler.WithReadiness("redis", fakePinger{}),
			handler.WithReadiness("postgres", fakePinger{err: errors.New("connection refused")}),
		)
		rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "postgres not ready")
	})
}

func TestHandler_RequestID(t *testing.T) {
	s := newSetup(t)

	rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/api/v1/policies", nil)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "a request id is generated")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	s.routes.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestHandler_Metrics(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	m.Request(context.Background(), "users", metrics.ResultMiss)

	s := newSetup(t, handler.WithMetrics("/metrics", m.Handler()))
	rec := testutils.MakeHTTPRequest(t, s.routes, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mlc_requests"))
}
