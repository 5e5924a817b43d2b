package cache

import (
	"hash/fnv"
	"sync"
)

// fenceStripes 是寫入柵欄的分段數
const fenceStripes = 64

// fence 防止舊的計算結果覆蓋之後的 Put / Evict。
//
// 每個分段有一個世代號：
//   - Put / Evict / EvictAll 先遞增世代號，再寫入快取層
//   - 計算與 Remote 回填在讀取來源前記下世代號，寫入時在分段鎖內比對，不同就放棄寫入
//
// 不同 key 可能落在同一分段：誤判只會少寫一次快取，不會寫入舊值。
type fence struct {
	stripes [fenceStripes]fenceStripe
}

type fenceStripe struct {
	mu  sync.Mutex
	gen uint64
}

func (f *fence) stripe(k string) *fenceStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &f.stripes[h.Sum32()%fenceStripes]
}

// snapshot 返回 key 目前的世代號
func (f *fence) snapshot(k string) uint64 {
	s := f.stripe(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// advance 讓 key 之前記下的世代號全部失效
func (f *fence) advance(k string) {
	s := f.stripe(k)
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// advanceAll 讓所有 key 之前記下的世代號失效（清除整個命名空間時使用）
func (f *fence) advanceAll() {
	for i := range f.stripes {
		s := &f.stripes[i]
		s.mu.Lock()
		s.gen++
		s.mu.Unlock()
	}
}

// commit 在世代號仍為 gen 時執行 write，返回是否執行。
//
// write 在分段鎖內執行：advance 不會夾在比對與寫入之間。
func (f *fence) commit(k string, gen uint64, write func()) bool {
	s := f.stripe(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	write()
	return true
}
