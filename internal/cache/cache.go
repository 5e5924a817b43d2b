// Package cache 實作多層快取協調器（read-through / write-through）。
//
// 查詢順序：
//
//	Execute(users, "u:42")
//	   │
//	   ├─► Local.Get   命中 → 返回（不碰 Remote、不計算）
//	   │
//	   ├─► Remote.Get  命中 → 回填 Local（TTL = min(LocalTTL, 遠端剩餘 TTL)）→ 返回
//	   │
//	   └─► Guard.RunExclusive(computeFn)
//	           成功 → 寫 Remote → 寫 Local → 返回
//	           失敗 → 原樣返回，不寫任何一層
//	           計算期間 key 被 Put / Evict → 結果只返回給呼叫者，不寫入
//
// 容錯規則（ignoreException）：
//   - 讀取路徑故障：true → warn + 視為未命中；false → error + 直接返回故障（不計算）
//   - 回填路徑故障：一律只記日誌，不影響已經拿到的結果
//
// 與 05-distributed-cache 的 ReadThrough/WriteThrough 相比：
// 那裡是單層快取 + 資料庫，這裡是兩層快取 + 呼叫端提供的計算函數，
// 並且每個快取名稱有自己的策略。
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/guard"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/metrics"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

// ComputeFunc 是被快取的計算：返回 nil 表示「沒有值」（可依策略快取為 null）。
//
// 返回的 slice 會直接存進快取層，之後不可再修改。
type ComputeFunc = guard.ComputeFunc

// Request 描述一次快取呼叫，對應宣告式註解上的參數。
type Request struct {
	// CacheNames 是一個或多個快取名稱，依宣告順序查詢，任一命中即返回。
	CacheNames []string

	// Key 是已經由外部求值的 key 字串。
	Key string

	// DefaultKey 為 true 時忽略 Key，使用該快取名稱的預設 key。
	DefaultKey bool

	// IgnoreException 覆寫策略中的 ignoreException；nil 表示使用策略值。
	IgnoreException *bool
}

// Recorder 是協調器需要的指標介面（*metrics.Metrics 滿足）。
type Recorder interface {
	Request(ctx context.Context, cacheName string, result metrics.Result)
	Compute(ctx context.Context, cacheName string, d time.Duration, err error)
	TierError(ctx context.Context, cacheName, tier, op string, tolerated bool)
	Refresh(ctx context.Context, cacheName string)
}

// Orchestrator 是多層快取協調器，可安全並發使用。
//
// 兩個快取層都是可選的：未設定的層等同於所有策略都停用該層。
type Orchestrator struct {
	local    tier.Store
	remote   tier.Store
	guard    *guard.Guard
	policies *policy.Registry
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time

	// Put / Evict 之後，之前開始的計算不再寫入
	fence fence

	// 提前刷新：同一 key 同時只排一個背景任務；Close 之後不再排新任務
	refreshing sync.Map
	mu         sync.Mutex
	closed     bool
	wg         sync.WaitGroup
}

// Option 設定 Orchestrator
type Option func(*Orchestrator)

// WithLocal 設定一級快取
func WithLocal(s tier.Store) Option {
	return func(o *Orchestrator) { o.local = s }
}

// WithRemote 設定二級快取
func WithRemote(s tier.Store) Option {
	return func(o *Orchestrator) { o.remote = s }
}

// WithGuard 共用既有的擊穿保護（多個協調器共用同一組 in-flight 記錄）
func WithGuard(g *guard.Guard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics 設定指標
func WithMetrics(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 建立協調器。
func New(policies *policy.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		guard:    guard.New(),
		policies: policies,
		logger:   logger.Discard(),
		metrics:  noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Guard 返回協調器使用的擊穿保護（指標觀測用）
func (o *Orchestrator) Guard() *guard.Guard {
	return o.guard
}

// Policies 返回策略註冊表
func (o *Orchestrator) Policies() *policy.Registry {
	return o.policies
}

// ReplacePolicy 整筆替換策略，並清掉本地層的舊 segment。
//
// 本地層的容量在 segment 建立時決定，清掉後下次寫入會以新策略重建。
func (o *Orchestrator) ReplacePolicy(ctx context.Context, cfg policy.Config) error {
	if err := o.policies.Replace(cfg); err != nil {
		return err
	}
	if o.local != nil {
		if err := o.local.Clear(ctx, cfg.CacheName); err != nil {
			o.logger.WarnContext(ctx, "local clear after policy replace failed",
				"cache_name", cfg.CacheName, "error", err)
		}
	}
	return nil
}

// Close 停止排入新的背景刷新，並等待進行中的任務結束。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}

// startBackground 在 Close 之前登記一個背景任務；已關閉時返回 false。
func (o *Orchestrator) startBackground() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

type noopRecorder struct{}

func (noopRecorder) Request(context.Context, string, metrics.Result) {}
func (noopRecorder) Compute(context.Context, string, time.Duration, error) {}
func (noopRecorder) TierError(context.Context, string, string, string, bool) {}
func (noopRecorder) Refresh(context.Context, string) {}

// segmentResolveTimeout 是本地層建立 segment 時查詢策略的時間上限
const segmentResolveTimeout = 2 * time.Second

// LocalSegments 讓本地層從策略註冊表取得每個快取名稱的容量與過期模式。
//
// 查詢逾時或失敗時使用預設策略。
// 用法：tier.NewLocal(tier.WithSegmentPolicy(cache.LocalSegments(registry)))
func LocalSegments(policies *policy.Registry) tier.SegmentResolver {
	return func(ctx context.Context, cacheName string) tier.SegmentPolicy {
		ctx, cancel := context.WithTimeout(ctx, segmentResolveTimeout)
		defer cancel()

		cfg, err := policies.Resolve(ctx, cacheName)
		if err != nil {
			cfg = policy.Default(cacheName).Normalize()
		}
		return tier.SegmentPolicy{Capacity: cfg.LocalCapacity, ExpireMode: cfg.LocalExpireMode}
	}
}
