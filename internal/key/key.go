// Package key 把快取名稱與（已由表達式求值器解析好的）原始 key 組合成快取 key。
//
// 格式：{cacheName}:{rawKey}
//
// 以快取名稱作為命名空間，不同快取名稱的相同原始 key 不會互相覆蓋；
// 本地層與遠端層共用同一個 key 空間。
package key

import (
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// Separator 分隔快取名稱與原始 key
const Separator = ":"

// DefaultRaw 是沒有參數時使用的原始 key（整個快取名稱只快取一個結果）。
const DefaultRaw = "SimpleKey[]"

// Key 是正規化後的快取 key，建立後不可變。
type Key struct {
	name string
	raw  string
}

// Encode 產生快取 key。
//
// 純函數、確定性。rawKey 為空時：
//   - required=true：返回 ErrInvalidKey（呼叫端應略過快取直接計算）
//   - required=false：收斂為該快取名稱的單一預設 key
func Encode(cacheName, rawKey string, required bool) (Key, error) {
	if rawKey == "" {
		if required {
			return Key{}, errors.ErrInvalidKey.WithDetails("cache " + cacheName)
		}
		rawKey = DefaultRaw
	}
	return Key{name: cacheName, raw: rawKey}, nil
}

// Name 返回快取名稱
func (k Key) Name() string { return k.name }

// Raw 返回原始 key
func (k Key) Raw() string { return k.raw }

// String 返回 {cacheName}:{rawKey}
func (k Key) String() string { return k.name + Separator + k.raw }

// IsZero 判斷是否為零值
func (k Key) IsZero() bool { return k.name == "" && k.raw == "" }

// Prefix 返回快取名稱命名空間的前綴（用於整批清除）
func Prefix(cacheName string) string { return cacheName + Separator }
