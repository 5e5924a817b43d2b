package cache

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

// Put 把已知的值寫入每個快取名稱的所有啟用層（先 Remote 後 Local）。
//
// 用於資料更新後主動刷新快取，而不是等下次未命中。
// value 為 nil 且策略不允許 null 時，改為淘汰該 key。
// 寫入失敗依 ignoreException 處理：true 只記日誌，false 返回第一個錯誤。
func (o *Orchestrator) Put(ctx context.Context, req Request, value []byte) error {
	targets, err := o.resolve(ctx, req)
	if err != nil {
		if apperrors.IsInvalidKey(err) {
			o.logger.DebugContext(ctx, "cache put skipped", "error", err)
			return nil
		}
		return err
	}

	stored := encodeValue(value)
	isNull := value == nil

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for _, t := range targets {
		ctx := logger.WithCacheName(ctx, t.name())

		if isNull && !t.policy.AllowNullValue {
			keep(o.evictTarget(ctx, t))
			continue
		}
		o.invalidate(t)

		cfg := t.policy
		var remoteTTL time.Duration
		if o.remoteEnabled(cfg) {
			remoteTTL = freshTTL(cfg, cfg.RemoteTTL, isNull)
			if err := o.remote.Put(ctx, t.key, stored, remoteTTL); err != nil {
				keep(o.writeFailure(ctx, t, o.remote, "put", err))
			}
		}
		if o.localEnabled(cfg) {
			ttl := freshTTL(cfg, cfg.FreshLocalTTL(), isNull)
			if err := o.putLocal(ctx, t.key, stored, ttl, remoteTTL); err != nil {
				keep(o.writeFailure(ctx, t, o.local, "put", err))
			}
		}
		o.fence.advance(t.key.String())
	}
	return first
}

// Evict 從每個快取名稱的兩層刪除 key（先 Remote 後 Local）。
//
// 先刪 Remote：避免其他請求在 Local 刪除後又從 Remote 把舊值回填回來。
func (o *Orchestrator) Evict(ctx context.Context, req Request) error {
	targets, err := o.resolve(ctx, req)
	if err != nil {
		if apperrors.IsInvalidKey(err) {
			return nil
		}
		return err
	}

	var first error
	for _, t := range targets {
		if err := o.evictTarget(logger.WithCacheName(ctx, t.name()), t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (o *Orchestrator) evictTarget(ctx context.Context, t target) error {
	o.invalidate(t)

	var first error
	for _, s := range o.enabledTiers(t) {
		if err := s.Evict(ctx, t.key); err != nil {
			if err := o.writeFailure(ctx, t, s, "evict", err); err != nil && first == nil {
				first = err
			}
		}
	}
	o.fence.advance(t.key.String())
	return first
}

// EvictAll 清除每個快取名稱的整個命名空間（兩層）。
//
// 只使用 req.CacheNames 與 req.IgnoreException。
func (o *Orchestrator) EvictAll(ctx context.Context, req Request) error {
	if len(req.CacheNames) == 0 {
		return apperrors.ErrInvalidInput.WithDetails("at least one cache name is required")
	}

	var first error
	for _, name := range req.CacheNames {
		cfg, err := o.policies.Resolve(ctx, name)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "resolve cache policy")
		}
		if req.IgnoreException != nil {
			cfg.IgnoreException = *req.IgnoreException
		}
		t := target{policy: cfg}
		o.fence.advanceAll()

		ctx := logger.WithCacheName(ctx, name)
		for _, s := range o.enabledTiers(t) {
			if err := s.Clear(ctx, name); err != nil {
				if err := o.writeFailure(ctx, t, s, "clear", err); err != nil && first == nil {
					first = err
				}
			}
		}
		o.fence.advanceAll()
		o.logger.InfoContext(ctx, "cache cleared")
	}
	return first
}

// invalidate 讓進行中的計算不再寫入此 key，之後的請求也不再加入它。
//
// 必須在寫入或刪除快取層之前呼叫；寫完後還要再 advance 一次，
// 讓寫入期間讀到舊 Remote 值的回填也失效。
func (o *Orchestrator) invalidate(t target) {
	k := t.key.String()
	o.fence.advance(k)
	o.guard.Forget(k)
}

// enabledTiers 返回此快取名稱啟用的層，Remote 在前。
func (o *Orchestrator) enabledTiers(t target) []tier.Store {
	var stores []tier.Store
	if o.remoteEnabled(t.policy) {
		stores = append(stores, o.remote)
	}
	if o.localEnabled(t.policy) {
		stores = append(stores, o.local)
	}
	return stores
}

// writeFailure 套用寫入路徑（Put / Evict / Clear）的容錯規則。
func (o *Orchestrator) writeFailure(ctx context.Context, t target, s tier.Store, op string, err error) error {
	origin := string(s.Origin())
	if !apperrors.IsTierMalfunction(err) {
		err = apperrors.TierMalfunction(origin, op, err)
	}

	if t.policy.IgnoreException {
		o.metrics.TierError(ctx, t.name(), origin, op, true)
		o.logger.WarnContext(ctx, "cache write failed, ignored",
			"tier", origin, "op", op, "key", t.key.String(), "error", err)
		return nil
	}

	o.metrics.TierError(ctx, t.name(), origin, op, false)
	o.logger.ErrorContext(ctx, "cache write failed",
		"tier", origin, "op", op, "key", t.key.String(), "error", err)
	return err
}
