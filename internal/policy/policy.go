// Package policy 定義每個快取名稱的策略設定（PolicyConfig）。
//
// 對應宣告式註解上的設定：
//
//	cacheNames        → Config.CacheName
//	ignoreException   → Config.IgnoreException（預設 true）
//	firstCache{...}   → Local*（容量、TTL、過期模式）
//	secondaryCache{…} → Remote* / AllowNullValue / NullValueMagnification / PreloadThreshold
//
// Config 是不可變的值：建立後只讀，重新設定時整筆替換（見 Registry）。
package policy

import (
	"fmt"
	"time"
)

// ExpireMode 是本地層的過期模式。
type ExpireMode string

const (
	// ExpireAfterWrite 自寫入起固定 TTL
	ExpireAfterWrite ExpireMode = "write"
	// ExpireAfterAccess 每次命中都重設 TTL（滑動過期）
	ExpireAfterAccess ExpireMode = "access"
)

// 預設值
const (
	DefaultLocalTTL               = 60 * time.Second
	DefaultLocalCapacity          = 1000
	DefaultRemoteTTL              = 300 * time.Second
	DefaultNullValueMagnification = 1
)

// Config 是單一快取名稱的策略。
type Config struct {
	CacheName string `yaml:"-" json:"cache_name"`

	// 一級快取（本地）
	FirstCacheEnabled bool          `yaml:"first_cache_enabled" json:"first_cache_enabled"`
	LocalTTL          time.Duration `yaml:"local_ttl" json:"local_ttl"`
	LocalCapacity     int           `yaml:"local_capacity" json:"local_capacity"`
	LocalExpireMode   ExpireMode    `yaml:"local_expire_mode" json:"local_expire_mode"`

	// 二級快取（遠端）
	SecondaryCacheEnabled bool          `yaml:"secondary_cache_enabled" json:"secondary_cache_enabled"`
	RemoteTTL             time.Duration `yaml:"remote_ttl" json:"remote_ttl"`

	// IgnoreException 為 true 時，讀取路徑上的快取層故障只記 warn 並降級為 miss；
	// 為 false 時記 error 並直接返回故障。
	IgnoreException bool `yaml:"ignore_exception" json:"ignore_exception"`

	// KeyRequired 為 true 時，空 key 視為 InvalidKey（略過快取）。
	KeyRequired bool `yaml:"key_required" json:"key_required"`

	// AllowNullValue 允許快取 nil 結果，TTL 為層 TTL / NullValueMagnification。
	AllowNullValue         bool `yaml:"allow_null_value" json:"allow_null_value"`
	NullValueMagnification int  `yaml:"null_value_magnification" json:"null_value_magnification"`

	// PreloadThreshold > 0 時，遠端命中且剩餘 TTL 低於此值會在背景重新計算。
	PreloadThreshold time.Duration `yaml:"preload_threshold" json:"preload_threshold"`
}

// Default 返回指定快取名稱的預設策略。
func Default(name string) Config {
	return Config{
		CacheName:              name,
		FirstCacheEnabled:      true,
		LocalTTL:               DefaultLocalTTL,
		LocalCapacity:          DefaultLocalCapacity,
		LocalExpireMode:        ExpireAfterWrite,
		SecondaryCacheEnabled:  true,
		RemoteTTL:              DefaultRemoteTTL,
		IgnoreException:        true,
		NullValueMagnification: DefaultNullValueMagnification,
	}
}

// Normalize 補齊零值並套用不變式，返回新的 Config。
//
// 兩層都啟用時 LocalTTL 不得超過 RemoteTTL，否則本地副本可能比遠端來源活得更久。
func (c Config) Normalize() Config {
	if c.LocalTTL <= 0 {
		c.LocalTTL = DefaultLocalTTL
	}
	if c.LocalCapacity <= 0 {
		c.LocalCapacity = DefaultLocalCapacity
	}
	if c.LocalExpireMode == "" {
		c.LocalExpireMode = ExpireAfterWrite
	}
	if c.RemoteTTL <= 0 {
		c.RemoteTTL = DefaultRemoteTTL
	}
	if c.NullValueMagnification < 1 {
		c.NullValueMagnification = DefaultNullValueMagnification
	}
	if c.FirstCacheEnabled && c.SecondaryCacheEnabled {
		c.LocalTTL = min(c.LocalTTL, c.RemoteTTL)
	}
	return c
}

// Validate 檢查策略是否合法。
func (c Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("policy: cache name is required")
	}
	switch c.LocalExpireMode {
	case "", ExpireAfterWrite, ExpireAfterAccess:
	default:
		return fmt.Errorf("policy %s: unknown local expire mode %q", c.CacheName, c.LocalExpireMode)
	}
	if c.LocalTTL < 0 || c.RemoteTTL < 0 || c.PreloadThreshold < 0 {
		return fmt.Errorf("policy %s: durations must not be negative", c.CacheName)
	}
	if c.LocalCapacity < 0 {
		return fmt.Errorf("policy %s: local capacity must not be negative", c.CacheName)
	}
	return nil
}

// NullTTL 返回 nil 值在指定層的 TTL。
func (c Config) NullTTL(tierTTL time.Duration) time.Duration {
	if c.NullValueMagnification <= 1 {
		return tierTTL
	}
	return tierTTL / time.Duration(c.NullValueMagnification)
}

// FreshLocalTTL 返回新計算結果寫入本地層時的 TTL。
func (c Config) FreshLocalTTL() time.Duration {
	if c.SecondaryCacheEnabled {
		return min(c.LocalTTL, c.RemoteTTL)
	}
	return c.LocalTTL
}

// BackfillLocalTTL 返回遠端命中回填本地層時的 TTL：min(LocalTTL, 遠端剩餘 TTL)。
//
// remaining <= 0 表示遠端沒有回報剩餘 TTL（例如永不過期），此時使用 LocalTTL。
func (c Config) BackfillLocalTTL(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return c.LocalTTL
	}
	return min(c.LocalTTL, remaining)
}
