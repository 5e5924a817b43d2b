// Package errors 提供快取協調器與示範服務共用的錯誤分類
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidKey 無法產生可用的快取 key（略過快取，不視為失敗）
	ErrCodeInvalidKey = "INVALID_KEY"
	// ErrCodeTierMalfunction 快取層故障（序列化、連線、逾時）
	ErrCodeTierMalfunction = "TIER_MALFUNCTION"
	// ErrCodeComputeFailure 底層計算失敗
	ErrCodeComputeFailure = "COMPUTE_FAILURE"
	// ErrCodeCancelled 呼叫端取消
	ErrCodeCancelled = "CANCELLED"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is：同錯誤碼即視為相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共用的，不能原地修改，所以這裡複製一份。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidKey 快取 key 不可用
	ErrInvalidKey = New(ErrCodeInvalidKey, "cache key is required but empty")

	// ErrTierMalfunction 快取層故障
	ErrTierMalfunction = New(ErrCodeTierMalfunction, "cache tier malfunction")

	// ErrCancelled 呼叫端在等待結果時取消
	ErrCancelled = New(ErrCodeCancelled, "cache call cancelled")

	// ErrNotFound 資源未找到
	ErrNotFound = New(ErrCodeNotFound, "resource not found")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrRedisUnavailable Redis 不可用
	ErrRedisUnavailable = New(ErrCodeUnavailable, "redis service unavailable")

	// ErrDatabaseUnavailable 資料庫不可用
	ErrDatabaseUnavailable = New(ErrCodeUnavailable, "database service unavailable")
)

// TierMalfunction 包裝快取層錯誤
//
// tier 為 "local" 或 "remote"，op 為 get/put/evict/clear。
func TierMalfunction(tier, op string, err error) *AppError {
	return Wrap(err, ErrCodeTierMalfunction, fmt.Sprintf("%s tier %s failed", tier, op))
}

// Cancelled 包裝取消原因（context.Canceled 或 context.DeadlineExceeded）
func Cancelled(cause error) *AppError {
	return Wrap(cause, ErrCodeCancelled, "cache call cancelled")
}

func hasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsInvalidKey 檢查是否為無效 key 錯誤
func IsInvalidKey(err error) bool {
	return hasCode(err, ErrCodeInvalidKey)
}

// IsTierMalfunction 檢查是否為快取層故障
func IsTierMalfunction(err error) bool {
	return hasCode(err, ErrCodeTierMalfunction)
}

// IsCancelled 檢查是否為取消錯誤
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// As 取出錯誤鏈中的 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
