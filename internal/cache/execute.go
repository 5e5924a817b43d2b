package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/metrics"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

// nullMarker 是 nil 計算結果在快取層中的表示
var nullMarker = []byte("\x00mlc:null")

func encodeValue(v []byte) []byte {
	if v == nil {
		return nullMarker
	}
	return v
}

func decodeValue(stored []byte) []byte {
	if bytes.Equal(stored, nullMarker) {
		return nil
	}
	return stored
}

// target 是一個快取名稱在本次呼叫中的策略與 key
type target struct {
	policy policy.Config
	key    key.Key
}

func (t target) name() string { return t.policy.CacheName }

// Execute 執行 read-through：Local → Remote → 計算。
//
// 多個快取名稱依序查詢，任一命中即返回；全部未命中時只計算一次
// （以第一個名稱的 key 做擊穿保護），結果寫入每個名稱。
//
// 返回的錯誤：
//   - computeFn 的錯誤（原樣返回）
//   - apperrors.ErrCancelled：ctx 在等待結果時被取消
//   - apperrors.ErrTierMalfunction：ignoreException=false 時的讀取故障
//   - apperrors.ErrInvalidInput：沒有快取名稱或策略不合法
func (o *Orchestrator) Execute(ctx context.Context, req Request, compute ComputeFunc) ([]byte, error) {
	targets, err := o.resolve(ctx, req)
	if err != nil {
		if apperrors.IsInvalidKey(err) {
			o.metrics.Request(ctx, req.CacheNames[0], metrics.ResultBypass)
			o.logger.DebugContext(ctx, "cache bypassed", "error", err)
			return compute(ctx)
		}
		return nil, err
	}

	for _, t := range targets {
		value, found, err := o.lookup(logger.WithCacheName(ctx, t.name()), t, compute)
		if err != nil {
			o.metrics.Request(ctx, t.name(), metrics.ResultError)
			return nil, err
		}
		if found {
			return decodeValue(value), nil
		}
	}

	o.metrics.Request(ctx, targets[0].name(), metrics.ResultMiss)
	value, err := o.computeAndPopulate(ctx, targets, compute)
	if err != nil {
		return nil, err
	}
	return decodeValue(value), nil
}

// resolve 解析每個快取名稱的策略並產生 key。
func (o *Orchestrator) resolve(ctx context.Context, req Request) ([]target, error) {
	if len(req.CacheNames) == 0 {
		return nil, apperrors.ErrInvalidInput.WithDetails("at least one cache name is required")
	}

	raw := req.Key
	if req.DefaultKey {
		raw = ""
	}

	targets := make([]target, 0, len(req.CacheNames))
	for _, name := range req.CacheNames {
		cfg, err := o.policies.Resolve(ctx, name)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "resolve cache policy")
		}
		if req.IgnoreException != nil {
			cfg.IgnoreException = *req.IgnoreException
		}

		k, err := key.Encode(name, raw, cfg.KeyRequired)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{policy: cfg, key: k})
	}
	return targets, nil
}

// lookup 查詢單一快取名稱的兩層。
func (o *Orchestrator) lookup(ctx context.Context, t target, compute ComputeFunc) ([]byte, bool, error) {
	cfg := t.policy

	if o.localEnabled(cfg) {
		entry, found, err := o.local.Get(ctx, t.key)
		switch {
		case err != nil:
			if err := o.readFailure(ctx, t, o.local, err); err != nil {
				return nil, false, err
			}
		case found:
			o.metrics.Request(ctx, t.name(), metrics.ResultLocalHit)
			o.logger.DebugContext(ctx, "local hit", "key", t.key.String())
			return entry.Value, true, nil
		}
	}

	if o.remoteEnabled(cfg) {
		gen := o.fence.snapshot(t.key.String())
		entry, found, err := o.remote.Get(ctx, t.key)
		switch {
		case err != nil:
			if err := o.readFailure(ctx, t, o.remote, err); err != nil {
				return nil, false, err
			}
		case found:
			if o.localEnabled(cfg) {
				o.fence.commit(t.key.String(), gen, func() {
					o.populateLocal(ctx, t, entry.Value, cfg.BackfillLocalTTL(entry.TTL), entry.TTL)
				})
			}
			if cfg.PreloadThreshold > 0 && entry.TTL > 0 && entry.TTL < cfg.PreloadThreshold {
				o.refreshAhead(ctx, t, compute)
			}
			o.metrics.Request(ctx, t.name(), metrics.ResultRemoteHit)
			o.logger.DebugContext(ctx, "remote hit", "key", t.key.String(), "remaining_ttl", entry.TTL)
			return entry.Value, true, nil
		}
	}

	return nil, false, nil
}

// computeAndPopulate 在擊穿保護下計算，成功後依序寫入 Remote、Local。
//
// 寫入在 leader 的計算函數內完成：只寫一次，且呼叫者取消後仍會寫入。
// 計算期間 key 被 Put / Evict 時，結果照常返回給呼叫者，但不寫入快取。
func (o *Orchestrator) computeAndPopulate(ctx context.Context, targets []target, compute ComputeFunc) ([]byte, error) {
	lead := targets[0]
	return o.guard.RunExclusive(ctx, lead.key.String(), func(ctx context.Context) ([]byte, error) {
		gens := make([]uint64, len(targets))
		for i, t := range targets {
			gens[i] = o.fence.snapshot(t.key.String())
		}

		start := o.now()
		value, err := compute(ctx)
		o.metrics.Compute(ctx, lead.name(), o.now().Sub(start), err)
		if err != nil {
			return nil, err
		}

		stored := encodeValue(value)
		for i, t := range targets {
			ctx := logger.WithCacheName(ctx, t.name())
			written := o.fence.commit(t.key.String(), gens[i], func() {
				o.populateFresh(ctx, t, stored, value == nil)
			})
			if !written {
				o.logger.DebugContext(ctx, "key written during computation, result not cached",
					"key", t.key.String())
			}
		}
		return stored, nil
	})
}

// populateFresh 寫入新計算（或 Put）的值；停用的層直接略過。
func (o *Orchestrator) populateFresh(ctx context.Context, t target, stored []byte, isNull bool) {
	cfg := t.policy
	if isNull && !cfg.AllowNullValue {
		return
	}

	var remoteTTL time.Duration
	if o.remoteEnabled(cfg) {
		remoteTTL = freshTTL(cfg, cfg.RemoteTTL, isNull)
		o.populate(ctx, t, o.remote, stored, remoteTTL)
	}
	if o.localEnabled(cfg) {
		o.populateLocal(ctx, t, stored, freshTTL(cfg, cfg.FreshLocalTTL(), isNull), remoteTTL)
	}
}

func freshTTL(cfg policy.Config, ttl time.Duration, isNull bool) time.Duration {
	if isNull {
		return cfg.NullTTL(ttl)
	}
	return ttl
}

// populate 回填一層；失敗只記日誌。
func (o *Orchestrator) populate(ctx context.Context, t target, s tier.Store, value []byte, ttl time.Duration) {
	if err := s.Put(ctx, t.key, value, ttl); err != nil {
		o.logPopulateFailure(ctx, t, s, err)
	}
}

// populateLocal 回填本地層；失敗只記日誌。
func (o *Orchestrator) populateLocal(ctx context.Context, t target, value []byte, ttl, limit time.Duration) {
	if err := o.putLocal(ctx, t.key, value, ttl, limit); err != nil {
		o.logPopulateFailure(ctx, t, o.local, err)
	}
}

// putLocal 寫入本地層。
//
// limit 是來源（Remote 項目）的剩餘存活時間，0 表示沒有上限；
// 本地層支援絕對期限時，ACCESS 模式的滑動過期不會超過 limit。
func (o *Orchestrator) putLocal(ctx context.Context, k key.Key, value []byte, ttl, limit time.Duration) error {
	if b, ok := o.local.(tier.BoundedStore); ok && limit > 0 {
		return b.PutBounded(ctx, k, value, ttl, limit)
	}
	return o.local.Put(ctx, k, value, ttl)
}

func (o *Orchestrator) logPopulateFailure(ctx context.Context, t target, s tier.Store, err error) {
	origin := string(s.Origin())
	o.metrics.TierError(ctx, t.name(), origin, "put", true)
	o.logger.WarnContext(ctx, "cache populate failed",
		"tier", origin, "key", t.key.String(), "error", err)
}

// readFailure 套用讀取路徑的容錯規則：返回 nil 表示降級為未命中。
func (o *Orchestrator) readFailure(ctx context.Context, t target, s tier.Store, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Cancelled(ctxErr)
	}

	origin := string(s.Origin())
	if !apperrors.IsTierMalfunction(err) {
		err = apperrors.TierMalfunction(origin, "get", err)
	}

	if t.policy.IgnoreException {
		o.metrics.TierError(ctx, t.name(), origin, "get", true)
		o.logger.WarnContext(ctx, "cache read failed, treating as miss",
			"tier", origin, "key", t.key.String(), "error", err)
		return nil
	}

	o.metrics.TierError(ctx, t.name(), origin, "get", false)
	o.logger.ErrorContext(ctx, "cache read failed",
		"tier", origin, "key", t.key.String(), "error", err)
	return err
}

// refreshAhead 在背景重新計算即將過期的項目（每個 key 同時最多一個）。
func (o *Orchestrator) refreshAhead(ctx context.Context, t target, compute ComputeFunc) {
	k := t.key.String()
	if !o.startBackground() {
		return
	}
	if _, busy := o.refreshing.LoadOrStore(k, struct{}{}); busy {
		o.wg.Done()
		return
	}

	go func() {
		defer o.wg.Done()
		defer o.refreshing.Delete(k)

		ctx := context.WithoutCancel(ctx)
		o.metrics.Refresh(ctx, t.name())
		if _, err := o.computeAndPopulate(ctx, []target{t}, compute); err != nil {
			o.logger.WarnContext(ctx, "refresh-ahead failed", "key", k, "error", err)
		}
	}()
}

func (o *Orchestrator) localEnabled(cfg policy.Config) bool {
	return cfg.FirstCacheEnabled && o.local != nil
}

func (o *Orchestrator) remoteEnabled(cfg policy.Config) bool {
	return cfg.SecondaryCacheEnabled && o.remote != nil
}
