package policy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Source 提供快取名稱的策略來源（配置檔、資料庫…）。
type Source interface {
	// Lookup 查詢策略；找不到時 found=false, err=nil。
	Lookup(ctx context.Context, name string) (cfg Config, found bool, err error)
}

// Registry 保存每個快取名稱的策略快照。
//
// 讀取：atomic.Pointer 載入不可變 map，無鎖。
// 寫入：mu 序列化寫者，複製整個 map 後原子替換（copy-on-write）。
//
// 第一次存取某個名稱時才解析（先到者勝），之後一律重用同一筆記錄。
type Registry struct {
	records  atomic.Pointer[map[string]Config]
	mu       sync.Mutex
	source   Source
	defaults Config
	logger   *slog.Logger
}

// NewRegistry 建立策略註冊表。
//
// defaults 是找不到任何來源時使用的模板（CacheName 會被覆寫）。
// source 可以為 nil。
func NewRegistry(defaults Config, source Source, logger *slog.Logger) *Registry {
	r := &Registry{
		source:   source,
		defaults: defaults,
		logger:   logger,
	}
	empty := make(map[string]Config)
	r.records.Store(&empty)
	return r
}

// Resolve 返回快取名稱的策略，必要時延遲解析。
func (r *Registry) Resolve(ctx context.Context, name string) (Config, error) {
	if cfg, ok := (*r.records.Load())[name]; ok {
		return cfg, nil
	}

	cfg, cacheable := r.lookup(ctx, name)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg = cfg.Normalize()
	if !cacheable {
		return cfg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.records.Load()
	if existing, ok := current[name]; ok {
		// 其他呼叫者先完成解析
		return existing, nil
	}
	r.store(current, cfg)
	r.logger.Debug("policy resolved", "cache_name", name,
		"local_ttl", cfg.LocalTTL, "remote_ttl", cfg.RemoteTTL,
		"ignore_exception", cfg.IgnoreException)
	return cfg, nil
}

// lookup 查詢來源；來源故障時使用預設值但不記錄，下次再試。
func (r *Registry) lookup(ctx context.Context, name string) (Config, bool) {
	if r.source != nil {
		cfg, found, err := r.source.Lookup(ctx, name)
		if err != nil {
			r.logger.Warn("policy source lookup failed, using defaults",
				"cache_name", name, "error", err)
			return r.defaultFor(name), false
		}
		if found {
			cfg.CacheName = name
			return cfg, true
		}
	}
	return r.defaultFor(name), true
}

func (r *Registry) defaultFor(name string) Config {
	cfg := r.defaults
	cfg.CacheName = name
	return cfg
}

// Register 在註冊階段寫入策略；名稱已存在時返回錯誤。
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.records.Load()
	if _, ok := current[cfg.CacheName]; ok {
		return fmt.Errorf("policy %s: already registered", cfg.CacheName)
	}
	r.store(current, cfg.Normalize())
	return nil
}

// Replace 整筆替換策略（不存在時新增）。
//
// 讀者只會看到舊記錄或新記錄，不會看到半更新的狀態。
func (r *Registry) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.store(*r.records.Load(), cfg.Normalize())
	r.logger.Info("policy replaced", "cache_name", cfg.CacheName)
	return nil
}

// store 必須在持有 mu 時呼叫。
func (r *Registry) store(current map[string]Config, cfg Config) {
	next := make(map[string]Config, len(current)+1)
	maps.Copy(next, current)
	next[cfg.CacheName] = cfg
	r.records.Store(&next)
}

// Snapshot 返回已解析的策略（依名稱排序）。
func (r *Registry) Snapshot() []Config {
	current := *r.records.Load()
	names := slices.Sorted(maps.Keys(current))
	out := make([]Config, 0, len(names))
	for _, name := range names {
		out = append(out, current[name])
	}
	return out
}

// StaticSource 是記憶體中的策略表（通常來自 YAML 配置）。
type StaticSource map[string]Config

// Lookup 實作 Source。
func (s StaticSource) Lookup(_ context.Context, name string) (Config, bool, error) {
	cfg, ok := s[name]
	return cfg, ok, nil
}

// ChainSource 依序查詢多個來源，第一個找到的勝出。
type ChainSource []Source

// Lookup 實作 Source。
func (c ChainSource) Lookup(ctx context.Context, name string) (Config, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		cfg, found, err := src.Lookup(ctx, name)
		if err != nil {
			return Config{}, false, err
		}
		if found {
			return cfg, true, nil
		}
	}
	return Config{}, false, nil
}
