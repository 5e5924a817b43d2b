package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/config"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
)

// DefaultTestConfig 返回測試用的配置
//
// 與 config.Default() 的差異：逾時較短、日誌只記 warn、預設策略 TTL 縮短，
// 讓需要等待過期的測試可以在幾百毫秒內完成。
func DefaultTestConfig() *config.Config {
	cfg := config.Default()

	cfg.Server.ReadTimeout = time.Second
	cfg.Server.WriteTimeout = time.Second
	cfg.Server.ShutdownTimeout = time.Second

	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 1
	cfg.Redis.OpTimeout = time.Second

	cfg.Cache.LocalShards = 4
	cfg.Cache.SweepInterval = 0
	cfg.Cache.Defaults = policy.Default("")
	cfg.Cache.Defaults.LocalTTL = 500 * time.Millisecond
	cfg.Cache.Defaults.RemoteTTL = 2 * time.Second

	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"

	return cfg
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
//
// body 為 string 時原樣送出，其他型別先編碼成 JSON。
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(data))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response: %s", recorder.Body.String())
}

// WaitForCondition 等待條件滿足，逾時則讓測試失敗
//
// 背景工作（refresh-ahead、過期清掃）沒有同步點，測試只能輪詢結果。
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 讓 concurrency 個 worker 同時開始，各自執行 iterations 次 fn
//
// 所有 worker 在同一個起跑點等待，盡量讓請求真正重疊（驗證擊穿保護時需要）。
func RunConcurrently(t testing.TB, concurrency, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for workerID := range concurrency {
		wg.Go(func() {
			<-start
			for i := range iterations {
				fn(workerID, i)
			}
		})
	}

	close(start)
	wg.Wait()
}
