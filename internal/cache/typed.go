package cache

import (
	"context"
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// Fetch 是 Execute 的泛型版本：計算結果以 JSON 存入快取，命中時解碼回 T。
//
// 計算結果編碼為 JSON null（nil 指標、nil map…）時視為「沒有值」，
// null 命中返回 T 的零值。
//
// 解碼失敗（快取內容損壞或型別不相容）是快取層故障：
//   - ignoreException=true：記 warn、淘汰該 key，重新走一次 Execute
//   - ignoreException=false：返回 ErrTierMalfunction
//
// 使用範例：
//
//	user, err := cache.Fetch(ctx, orch, cache.Request{CacheNames: []string{"users"}, Key: id},
//	    func(ctx context.Context) (*User, error) { return repo.Get(ctx, id) })
func Fetch[T any](ctx context.Context, o *Orchestrator, req Request, compute func(ctx context.Context) (T, error)) (T, error) {
	encoded := func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return encodeJSON(v)
	}

	raw, err := o.Execute(ctx, req, encoded)
	if err != nil {
		var zero T
		return zero, err
	}

	v, err := decodeJSON[T](raw)
	if err == nil {
		return v, nil
	}

	if !o.tolerates(ctx, req) {
		o.logger.ErrorContext(ctx, "cached value could not be decoded", "error", err)
		var zero T
		return zero, err
	}

	o.logger.WarnContext(ctx, "cached value could not be decoded, recomputing", "error", err)
	if evictErr := o.Evict(ctx, req); evictErr != nil {
		var zero T
		return zero, evictErr
	}
	raw, err = o.Execute(ctx, req, encoded)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeJSON[T](raw)
}

// PutJSON 以 JSON 編碼 v 後寫入快取（見 Orchestrator.Put）。
func PutJSON[T any](ctx context.Context, o *Orchestrator, req Request, v T) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return o.Put(ctx, req, data)
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.TierMalfunction("codec", "encode", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func decodeJSON[T any](raw []byte) (T, error) {
	var v T
	if raw == nil {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, apperrors.TierMalfunction("codec", "decode", err)
	}
	return v, nil
}

// tolerates 返回此請求的第一個快取名稱是否容忍快取故障。
func (o *Orchestrator) tolerates(ctx context.Context, req Request) bool {
	if req.IgnoreException != nil {
		return *req.IgnoreException
	}
	if len(req.CacheNames) == 0 {
		return false
	}
	cfg, err := o.policies.Resolve(ctx, req.CacheNames[0])
	if err != nil {
		return false
	}
	return cfg.IgnoreException
}
