package tier

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
)

// SegmentPolicy 是單一快取名稱在本地層的容量與過期模式。
type SegmentPolicy struct {
	Capacity   int
	ExpireMode policy.ExpireMode
}

// Local 是一級快取：每個快取名稱一個 segment，segment 內再分片。
//
// 架構：
//
//	Local
//	 ├── segment "users"   → shard[0..n) 各自一把鎖 + 一條 LRU 鏈表
//	 └── segment "orders"  → ...
//
// 淘汰規則：
//   - 容量：分片內 LRU，容量滿時淘汰鏈表尾部
//   - TTL：讀取時過期項目一律視為不存在（不論在鏈表的哪個位置）
//   - 背景清掃（可選）：定期移除過期項目，釋放記憶體
//
// 分片讓不相關的 key 不會搶同一把鎖；容量平均分配到各分片，
// 因此淘汰順序是「分片內的 LRU」，需要精確 LRU 時使用 WithShards(1)。
type Local struct {
	mu       sync.RWMutex
	segments map[string]*segment

	shards        int
	resolve       SegmentResolver
	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// LocalOption 設定 Local
type LocalOption func(*Local)

// WithShards 設定每個 segment 的分片數
func WithShards(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.shards = n
		}
	}
}

// SegmentResolver 在 segment 第一次寫入時解析其容量與過期模式。
//
// 在 Local 的鎖外呼叫，ctx 來自觸發建立 segment 的 Put。
type SegmentResolver func(ctx context.Context, cacheName string) SegmentPolicy

// WithSegmentPolicy 設定快取名稱 → 容量/過期模式的解析函數
func WithSegmentPolicy(fn SegmentResolver) LocalOption {
	return func(l *Local) {
		if fn != nil {
			l.resolve = fn
		}
	}
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval 啟用背景 TTL 清掃
func WithSweepInterval(d time.Duration) LocalOption {
	return func(l *Local) {
		l.sweepInterval = d
	}
}

// NewLocal 建立一級快取。
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		segments: make(map[string]*segment),
		shards:   16,
		resolve: func(context.Context, string) SegmentPolicy {
			return SegmentPolicy{Capacity: policy.DefaultLocalCapacity, ExpireMode: policy.ExpireAfterWrite}
		},
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}
	return l
}

// Origin 實作 Store
func (l *Local) Origin() Origin { return OriginLocal }

// Get 實作 Store。命中時移到鏈表頭部；ACCESS 模式下同時重設過期時間。
func (l *Local) Get(_ context.Context, k key.Key) (Entry, bool, error) {
	seg := l.lookupSegment(k.Name())
	if seg == nil {
		return Entry{}, false, nil
	}
	entry, ok := seg.shardFor(k.Raw()).get(k.Raw(), l.now(), seg.mode)
	return entry, ok, nil
}

// Put 實作 Store。ttl <= 0 表示不過期（只受容量限制）。
func (l *Local) Put(ctx context.Context, k key.Key, value []byte, ttl time.Duration) error {
	return l.PutBounded(ctx, k, value, ttl, 0)
}

// PutBounded 實作 BoundedStore：項目最晚在寫入後 limit 過期，不論被讀取幾次。
func (l *Local) PutBounded(ctx context.Context, k key.Key, value []byte, ttl, limit time.Duration) error {
	seg := l.segmentFor(ctx, k.Name())
	seg.shardFor(k.Raw()).set(k.Raw(), value, ttl, limit, l.now())
	return nil
}

// Evict 實作 Store
func (l *Local) Evict(_ context.Context, k key.Key) error {
	if seg := l.lookupSegment(k.Name()); seg != nil {
		seg.shardFor(k.Raw()).delete(k.Raw())
	}
	return nil
}

// Clear 實作 Store：直接丟棄整個 segment。
func (l *Local) Clear(_ context.Context, cacheName string) error {
	l.mu.Lock()
	delete(l.segments, cacheName)
	l.mu.Unlock()
	return nil
}

// Len 返回快取名稱目前的項目數（包含尚未清掃的過期項目）。
func (l *Local) Len(cacheName string) int {
	seg := l.lookupSegment(cacheName)
	if seg == nil {
		return 0
	}
	n := 0
	for _, sh := range seg.shards {
		n += sh.len()
	}
	return n
}

// Keys 返回快取名稱的所有原始 key（每個分片從最近到最久）。
//
// 用途：監控、除錯、測試
func (l *Local) Keys(cacheName string) []string {
	seg := l.lookupSegment(cacheName)
	if seg == nil {
		return nil
	}
	var keys []string
	for _, sh := range seg.shards {
		keys = append(keys, sh.keys()...)
	}
	return keys
}

// Sweep 立即移除所有過期項目，返回移除數量。
func (l *Local) Sweep() int {
	l.mu.RLock()
	segs := make([]*segment, 0, len(l.segments))
	for _, seg := range l.segments {
		segs = append(segs, seg)
	}
	l.mu.RUnlock()

	now := l.now()
	removed := 0
	for _, seg := range segs {
		for _, sh := range seg.shards {
			removed += sh.removeExpired(now)
		}
	}
	return removed
}

// Close 停止背景清掃。
func (l *Local) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Local) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Local) lookupSegment(name string) *segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[name]
}

// segmentFor 取得或建立 segment（雙重檢查）。
//
// 策略在取得寫鎖前解析：解析可能查資料庫，不能擋住其他 segment 的讀寫。
func (l *Local) segmentFor(ctx context.Context, name string) *segment {
	if seg := l.lookupSegment(name); seg != nil {
		return seg
	}

	p := l.resolve(ctx, name)

	l.mu.Lock()
	defer l.mu.Unlock()

	if seg, ok := l.segments[name]; ok {
		return seg
	}
	seg := newSegment(p, l.shards)
	l.segments[name] = seg
	return seg
}

// segment 是單一快取名稱的分片集合。
type segment struct {
	mode   policy.ExpireMode
	shards []*lruShard
}

func newSegment(p SegmentPolicy, shards int) *segment {
	capacity := p.Capacity
	if capacity <= 0 {
		capacity = policy.DefaultLocalCapacity
	}
	// 分片數不超過容量，確保每個分片至少能放一筆
	shards = min(shards, capacity)

	seg := &segment{mode: p.ExpireMode, shards: make([]*lruShard, shards)}
	per := capacity / shards
	extra := capacity % shards
	for i := range seg.shards {
		c := per
		if i < extra {
			c++
		}
		seg.shards[i] = newLRUShard(c)
	}
	return seg
}

func (s *segment) shardFor(raw string) *lruShard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(raw))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// lruShard 是雙向鏈結串列 + HashMap 的 LRU，多了過期時間。
//
// 時間複雜度：Get / Set / 淘汰皆為 O(1)
type lruShard struct {
	capacity int
	cache    map[string]*list.Element
	list     *list.List
	mu       sync.Mutex
}

// lruEntry 是鏈表節點儲存的資料。
type lruEntry struct {
	key        string
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	expireAt   time.Time // 零值表示不過期
	deadline   time.Time // 絕對期限，零值表示沒有上限
}

// slide 把過期時間重設為 now+ttl，但不超過絕對期限
func (e *lruEntry) slide(now time.Time) {
	e.expireAt = now.Add(e.ttl)
	if !e.deadline.IsZero() && e.expireAt.After(e.deadline) {
		e.expireAt = e.deadline
	}
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

func newLRUShard(capacity int) *lruShard {
	return &lruShard{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		list:     list.New(),
	}
}

// get 取得快取值。
//
// 過期項目當場移除並視為未命中；命中時移到鏈表頭部（標記為最近使用）。
func (s *lruShard) get(k string, now time.Time, mode policy.ExpireMode) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[k]
	if !ok {
		return Entry{}, false
	}

	ent := elem.Value.(*lruEntry)
	if ent.expired(now) {
		s.removeElement(elem)
		return Entry{}, false
	}

	if mode == policy.ExpireAfterAccess && ent.ttl > 0 {
		ent.slide(now)
	}
	s.list.MoveToFront(elem)

	var remaining time.Duration
	if !ent.expireAt.IsZero() {
		remaining = ent.expireAt.Sub(now)
	}
	return Entry{
		Value:      ent.value,
		InsertedAt: ent.insertedAt,
		TTL:        remaining,
		Origin:     OriginLocal,
	}, true
}

// set 設定快取值。
//
// 行為：
//  1. key 已存在：更新值與過期時間並移到頭部
//  2. key 不存在：新增到頭部，超過容量時先淘汰過期項目，再淘汰尾部
func (s *lruShard) set(k string, value []byte, ttl, limit time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expireAt, deadline time.Time
	if ttl > 0 {
		expireAt = now.Add(ttl)
	}
	if limit > 0 {
		deadline = now.Add(limit)
		if expireAt.IsZero() || expireAt.After(deadline) {
			expireAt = deadline
		}
	}

	if elem, ok := s.cache[k]; ok {
		ent := elem.Value.(*lruEntry)
		ent.value = value
		ent.insertedAt = now
		ent.ttl = ttl
		ent.expireAt = expireAt
		ent.deadline = deadline
		s.list.MoveToFront(elem)
		return
	}

	elem := s.list.PushFront(&lruEntry{
		key:        k,
		value:      value,
		insertedAt: now,
		ttl:        ttl,
		expireAt:   expireAt,
		deadline:   deadline,
	})
	s.cache[k] = elem

	if s.list.Len() > s.capacity {
		s.evict(now)
	}
}

// evictProbe 是淘汰時從尾部往前檢查過期項目的數量上限
const evictProbe = 5

// evict 淘汰一筆：優先選尾部附近已過期的項目，否則淘汰最久未使用的。
func (s *lruShard) evict(now time.Time) {
	back := s.list.Back()
	probed := 0
	for elem := back; elem != nil && probed < evictProbe; elem = elem.Prev() {
		probed++
		if elem.Value.(*lruEntry).expired(now) {
			s.removeElement(elem)
			return
		}
	}
	if back != nil {
		s.removeElement(back)
	}
}

func (s *lruShard) delete(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.cache[k]; ok {
		s.removeElement(elem)
	}
}

func (s *lruShard) removeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.list.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*lruEntry).expired(now) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (s *lruShard) removeElement(elem *list.Element) {
	s.list.Remove(elem)
	delete(s.cache, elem.Value.(*lruEntry).key)
}

func (s *lruShard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Len()
}

func (s *lruShard) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.list.Len())
	for elem := s.list.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

var _ BoundedStore = (*Local)(nil)
