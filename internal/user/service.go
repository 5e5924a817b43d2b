package user

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// CacheName 是使用者資料的快取名稱
const CacheName = "users"

// Service 在 Repository 前面加上多層快取
//
// 讀取：cache.Fetch → 未命中才查資料庫。查無資料時計算結果是 nil，
// 若 users 策略允許 null 值，這個「不存在」也會被快取，擋住對不存在 ID 的反覆查詢。
//
// 寫入：先寫資料庫，再以 Put 覆寫兩層快取（write-through）。
type Service struct {
	repo   *Repository
	cache  *cache.Orchestrator
	logger *slog.Logger
}

// NewService 建立使用者服務
func NewService(repo *Repository, orch *cache.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  orch,
		logger: logger,
	}
}

func request(id uuid.UUID) cache.Request {
	return cache.Request{CacheNames: []string{CacheName}, Key: id.String()}
}

// Get 查詢使用者，不存在時返回 ErrNotFound
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := cache.Fetch(ctx, s.cache, request(id), func(ctx context.Context) (*User, error) {
		u, err := s.repo.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return u, err
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperrors.ErrNotFound.WithDetails("user " + id.String())
	}
	return u, nil
}

// Create 新增使用者
//
// 新 ID 之前可能被查過並快取為 null（例如客戶端預先產生 ID），所以建立後淘汰一次。
func (s *Service) Create(ctx context.Context, name, email string) (*User, error) {
	u, err := s.repo.Create(ctx, name, email)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Evict(ctx, request(u.ID)); err != nil {
		s.logger.WarnContext(ctx, "evict after create failed", "user_id", u.ID, "error", err)
	}
	return u, nil
}

// Update 更新使用者並覆寫快取
//
// 快取寫入失敗時改為淘汰；淘汰也失敗就返回錯誤，因為快取可能還留著舊資料。
func (s *Service) Update(ctx context.Context, id uuid.UUID, name, email string) (*User, error) {
	u, err := s.repo.Update(ctx, id, name, email)
	if err != nil {
		return nil, err
	}

	putErr := cache.PutJSON(ctx, s.cache, request(id), u)
	if putErr == nil {
		return u, nil
	}

	s.logger.WarnContext(ctx, "cache put after update failed, evicting", "user_id", id, "error", putErr)
	if evictErr := s.cache.Evict(ctx, request(id)); evictErr != nil {
		return nil, errors.Join(putErr, evictErr)
	}
	return u, nil
}

// Delete 刪除使用者並淘汰快取
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.cache.Evict(ctx, request(id))
}
