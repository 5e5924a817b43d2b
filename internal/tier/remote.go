package tier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// Remote 是二級快取：Redis。
//
// 設計考量：
//   - TTL 交給 Redis（SET ... PX），不在本地追蹤
//   - GET 與 PTTL 放在同一個 pipeline，一次往返取得值與剩餘 TTL，
//     協調器用剩餘 TTL 限制回填本地層的 TTL
//   - 每個操作都有獨立的逾時；逾時、連線錯誤都視為故障，redis.Nil 才是未命中
//   - Clear 使用 SCAN + UNLINK，避免 KEYS 阻塞 Redis
//
// Redis 連線設定建議（與 04-rate-limiter 相同）：
//   - PoolSize: 10-50
//   - ReadTimeout / WriteTimeout: 100ms
//   - MaxRetries: 3
type Remote struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	scanCount int64
}

// RemoteOption 設定 Remote
type RemoteOption func(*Remote)

// WithPrefix 設定所有 key 的前綴（多個服務共用 Redis 時區隔命名空間）
func WithPrefix(prefix string) RemoteOption {
	return func(r *Remote) { r.prefix = prefix }
}

// WithTimeout 設定單一操作逾時
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithScanCount 設定 Clear 時每次 SCAN 的數量提示
func WithScanCount(n int64) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.scanCount = n
		}
	}
}

// NewRemote 建立二級快取。
func NewRemote(client redis.UniversalClient, opts ...RemoteOption) *Remote {
	r := &Remote{
		client:    client,
		prefix:    "mlc:",
		timeout:   200 * time.Millisecond,
		scanCount: 500,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Origin 實作 Store
func (r *Remote) Origin() Origin { return OriginRemote }

// Get 實作 Store
func (r *Remote) Get(ctx context.Context, k key.Key) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	redisKey := r.redisKey(k)
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, apperrors.TierMalfunction(string(OriginRemote), "get", err)
	}

	value, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, apperrors.TierMalfunction(string(OriginRemote), "get", err)
	}

	// PTTL：-1 表示沒有過期時間，-2 表示在 GET 與 PTTL 之間剛好過期
	ttl := ttlCmd.Val()
	switch {
	case ttl == -2:
		return Entry{}, false, nil
	case ttl < 0:
		ttl = 0
	}

	return Entry{
		Value:  value,
		TTL:    ttl,
		Origin: OriginRemote,
	}, true, nil
}

// Put 實作 Store。ttl <= 0 表示不過期。
func (r *Remote) Put(ctx context.Context, k key.Key, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.redisKey(k), value, ttl).Err(); err != nil {
		return apperrors.TierMalfunction(string(OriginRemote), "put", err)
	}
	return nil
}

// Evict 實作 Store
func (r *Remote) Evict(ctx context.Context, k key.Key) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.redisKey(k)).Err(); err != nil {
		return apperrors.TierMalfunction(string(OriginRemote), "evict", err)
	}
	return nil
}

// Clear 實作 Store。
//
// 執行流程：
//  1. SCAN MATCH {prefix}{cacheName}:* 分批取得 key
//  2. 每批 UNLINK（非阻塞刪除）
//
// 整個清除共用一個逾時預算（單一操作逾時 × 10）。
func (r *Remote) Clear(ctx context.Context, cacheName string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*10)
	defer cancel()

	pattern := escapeGlob(r.prefix+key.Prefix(cacheName)) + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return apperrors.TierMalfunction(string(OriginRemote), "clear", err)
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return apperrors.TierMalfunction(string(OriginRemote), "clear", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping 檢查 Redis 連線（就緒檢查用）
func (r *Remote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Remote) redisKey(k key.Key) string {
	return r.prefix + k.String()
}

// escapeGlob 跳脫 Redis MATCH 的特殊字元
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Store = (*Remote)(nil)
