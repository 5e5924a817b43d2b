package testutils

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/key"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
)

// MockTier 實作 tier.Store 的 mock
//
// 特性：
//   - 記憶體 map 儲存，不過期（TTL 由測試透過 Seed 指定）
//   - 記錄每種操作的呼叫次數
//   - 錯誤注入：FailGet / FailPut 持續失敗，FailNext 只失敗下一次操作
type MockTier struct {
	origin tier.Origin

	mu      sync.Mutex
	entries map[string]mockEntry

	// 記錄呼叫次數
	GetCalls   atomic.Int32
	PutCalls   atomic.Int32
	EvictCalls atomic.Int32
	ClearCalls atomic.Int32

	// 錯誤注入
	failGet  error
	failPut  error
	failNext error
	getDelay time.Duration
}

type mockEntry struct {
	value []byte
	ttl   time.Duration
}

// NewMockTier 建立 mock 快取層
func NewMockTier(origin tier.Origin) *MockTier {
	return &MockTier{
		origin:  origin,
		entries: make(map[string]mockEntry),
	}
}

// FailGet 之後所有 Get 都返回 err（nil 表示恢復）
func (m *MockTier) FailGet(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// FailPut 之後所有 Put 都返回 err（nil 表示恢復）
func (m *MockTier) FailPut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// FailNext 只讓下一次操作失敗
func (m *MockTier) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetGetDelay 讓 Get 延遲（模擬慢速遠端）
func (m *MockTier) SetGetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getDelay = d
}

// Seed 直接寫入項目，不計入 PutCalls
func (m *MockTier) Seed(k key.Key, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[k.String()] = mockEntry{value: value, ttl: ttl}
}

// Value 返回目前儲存的值（測試斷言用）
func (m *MockTier) Value(k key.Key) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k.String()]
	return e.value, ok
}

// TTL 返回最後一次寫入的 TTL
func (m *MockTier) TTL(k key.Key) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[k.String()].ttl
}

// Len 返回項目數
func (m *MockTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MockTier) takeFailure(persistent error) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return persistent
}

// Get 實作 tier.Store
func (m *MockTier) Get(ctx context.Context, k key.Key) (tier.Entry, bool, error) {
	m.GetCalls.Add(1)

	m.mu.Lock()
	delay := m.getDelay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tier.Entry{}, false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(m.failGet); err != nil {
		return tier.Entry{}, false, err
	}
	e, ok := m.entries[k.String()]
	if !ok {
		return tier.Entry{}, false, nil
	}
	return tier.Entry{Value: e.value, TTL: e.ttl, Origin: m.origin}, true, nil
}

// Put 實作 tier.Store
func (m *MockTier) Put(_ context.Context, k key.Key, value []byte, ttl time.Duration) error {
	m.PutCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(m.failPut); err != nil {
		return err
	}
	m.entries[k.String()] = mockEntry{value: value, ttl: ttl}
	return nil
}

// Evict 實作 tier.Store
func (m *MockTier) Evict(_ context.Context, k key.Key) error {
	m.EvictCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(nil); err != nil {
		return err
	}
	delete(m.entries, k.String())
	return nil
}

// Clear 實作 tier.Store
func (m *MockTier) Clear(_ context.Context, cacheName string) error {
	m.ClearCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(nil); err != nil {
		return err
	}
	prefix := key.Prefix(cacheName)
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Origin 實作 tier.Store
func (m *MockTier) Origin() tier.Origin { return m.origin }

var _ tier.Store = (*MockTier)(nil)
