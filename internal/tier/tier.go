// Package tier 定義快取層的統一介面與兩種實作。
//
// 快取層次：
//
//	Local  - 一級快取：程序內、容量有限、LRU + TTL（微秒級）
//	Remote - 二級快取：Redis、跨實例共享、TTL 交給 Redis 管理（毫秒級）
//
// 與 05-distributed-cache 的 Cache 介面不同，這裡的介面帶 context 與 error：
// 遠端層會因網路或序列化失敗，協調器需要區分「未命中」與「故障」。
package tier

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
)

// Origin 標示資料來自哪一層
type Origin string

const (
	// OriginLocal 一級快取
	OriginLocal Origin = "local"
	// OriginRemote 二級快取
	OriginRemote Origin = "remote"
)

// Entry 是快取項目。
type Entry struct {
	Value      []byte
	InsertedAt time.Time
	// TTL 是讀取當下的剩餘存活時間；0 表示未知或永不過期。
	TTL    time.Duration
	Origin Origin
}

// Store 是快取層的能力介面。
//
// 實作必須自行處理同步，可被多個協調器共用。
type Store interface {
	// Get 取得快取值。
	//
	// 返回：
	//   - found=false, err=nil：正常未命中
	//   - err!=nil：快取層故障（連線、逾時、序列化），不是未命中
	Get(ctx context.Context, k key.Key) (entry Entry, found bool, err error)

	// Put 寫入快取值，覆蓋既有項目。
	Put(ctx context.Context, k key.Key, value []byte, ttl time.Duration) error

	// Evict 刪除快取值；不存在時不是錯誤（冪等操作）。
	Evict(ctx context.Context, k key.Key) error

	// Clear 清除整個快取名稱命名空間。
	Clear(ctx context.Context, cacheName string) error

	// Origin 返回此層的標識（用於日誌與指標）
	Origin() Origin
}

// BoundedStore 是支援絕對期限的快取層（Local 實作）。
//
// ttl 依層的過期模式計算（ACCESS 模式下每次命中重新計時），
// limit 是寫入後的絕對存活上限，滑動過期不會超過它；limit <= 0 表示沒有上限。
// 協調器以 Remote 的存活時間作為 limit，本地項目不會比它的來源活得更久。
type BoundedStore interface {
	Store
	PutBounded(ctx context.Context, k key.Key, value []byte, ttl, limit time.Duration) error
}
