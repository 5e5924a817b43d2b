// Package guard 防止快取擊穿（cache stampede）。
//
// 問題：熱門 key 過期的瞬間，大量請求同時未命中，全部去執行底層計算
// （查資料庫、呼叫下游服務），把後端打垮。
//
// 解法：同一個 key 同一時間只允許一個計算在執行。
//
//	請求 A ──┐
//	請求 B ──┼──► RunExclusive("users:42") ──► computeFn（只執行一次）
//	請求 C ──┘                                     │
//	    ◄──────────────── 同一個結果 ◄─────────────┘
//
// 基於 golang.org/x/sync/singleflight 的 DoChan：
//   - 第一個呼叫者（leader）啟動計算；計算在獨立的 goroutine 中執行
//   - 同時到達的呼叫者（follower）共用同一個 channel 等待結果
//   - 結果發布後 singleflight 才移除該 key 的紀錄，不會有遺失喚醒的空窗
//   - 每個呼叫者各自 select 自己的 ctx.Done()：取消只影響自己
package guard

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// ComputeFunc 是被保護的計算。
//
// 傳入的 ctx 保留呼叫者的值（request id 等），但不會因呼叫者取消而取消。
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Guard 是 per-key 的單飛（single-flight）執行器，零值不可用，請用 New。
type Guard struct {
	group singleflight.Group

	// 統計
	leaders   atomic.Int64
	followers atomic.Int64
	cancelled atomic.Int64
}

// Stats 是 Guard 的累計統計
type Stats struct {
	Leaders   int64 // 實際執行計算的次數
	Followers int64 // 共用他人結果的次數
	Cancelled int64 // 呼叫者在等待中取消的次數
}

// New 建立 Guard
func New() *Guard {
	return &Guard{}
}

// RunExclusive 以 key 為單位執行 fn，同一 key 同時最多一個 fn 在執行。
//
// 返回：
//   - fn 的結果（leader 與 follower 拿到同一份）
//   - ctx 在結果發布前被取消：apperrors.ErrCancelled（包裝 ctx.Err()），
//     計算繼續執行，結果照常發布給其他等待者
//
// fn 發生 panic 時轉換為錯誤發布，避免 singleflight 在背景 goroutine 重新 panic。
func (g *Guard) RunExclusive(ctx context.Context, key string, fn ComputeFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		g.cancelled.Add(1)
		return nil, apperrors.Cancelled(err)
	}

	detached := context.WithoutCancel(ctx)
	var led bool
	ch := g.group.DoChan(key, func() (any, error) {
		led = true
		g.leaders.Add(1)
		return safeCall(detached, fn)
	})

	select {
	case res := <-ch:
		if res.Shared && !led {
			g.followers.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		value, _ := res.Val.([]byte)
		return value, nil
	case <-ctx.Done():
		g.cancelled.Add(1)
		return nil, apperrors.Cancelled(ctx.Err())
	}
}

// Forget 讓之後的呼叫不再加入目前正在執行的計算。
//
// 用於 key 被寫入或淘汰時：正在執行的計算可能讀到舊資料，
// 後來的請求應該重新計算，而不是等待舊的結果。
func (g *Guard) Forget(key string) {
	g.group.Forget(key)
}

// Stats 返回累計統計
func (g *Guard) Stats() Stats {
	return Stats{
		Leaders:   g.leaders.Load(),
		Followers: g.followers.Load(),
		Cancelled: g.cancelled.Load(),
	}
}

func safeCall(ctx context.Context, fn ComputeFunc) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()
	return fn(ctx)
}
