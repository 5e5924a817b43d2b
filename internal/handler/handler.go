// Package handler 提供示範服務的 HTTP API。
//
// 路由：
//
//	GET    /api/v1/users/{id}        經過多層快取讀取使用者
//	POST   /api/v1/users             新增使用者
//	PUT    /api/v1/users/{id}        更新使用者並覆寫快取
//	DELETE /api/v1/users/{id}        刪除使用者並淘汰快取
//	DELETE /api/v1/cache/{name}      ?key= 淘汰單一 key，省略時清空整個快取名稱
//	GET    /api/v1/policies          已解析的策略
//	GET    /api/v1/policies/{name}   單一快取名稱的有效策略
//	GET    /health                   存活檢查
//	GET    /ready                    就緒檢查（Redis、PostgreSQL）
//	GET    /metrics                  Prometheus 指標
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/user"
	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

// UserService 是 handler 需要的使用者操作（*user.Service 滿足）
type UserService interface {
	Get(ctx context.Context, id uuid.UUID) (*user.User, error)
	Create(ctx context.Context, name, email string) (*user.User, error)
	Update(ctx context.Context, id uuid.UUID, name, email string) (*user.User, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// CacheAdmin 是快取管理操作（*cache.Orchestrator 滿足）
type CacheAdmin interface {
	Evict(ctx context.Context, req cache.Request) error
	EvictAll(ctx context.Context, req cache.Request) error
	Policies() *policy.Registry
}

// Pinger 是就緒檢查的依賴（*pgxpool.Pool、*tier.Remote 皆滿足）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler HTTP 請求處理器
type Handler struct {
	users  UserService
	caches CacheAdmin
	logger *slog.Logger

	readiness   []readinessCheck
	metrics     http.Handler
	metricsPath string
}

type readinessCheck struct {
	name   string
	pinger Pinger
}

// Option 設定 Handler
type Option func(*Handler)

// WithReadiness 加入一個就緒檢查
func WithReadiness(name string, p Pinger) Option {
	return func(h *Handler) {
		if p != nil {
			h.readiness = append(h.readiness, readinessCheck{name: name, pinger: p})
		}
	}
}

// WithMetrics 在 path 掛上指標端點
func WithMetrics(path string, metrics http.Handler) Option {
	return func(h *Handler) {
		h.metrics = metrics
		h.metricsPath = path
	}
}

// NewHandler 創建 HTTP 處理器
func NewHandler(users UserService, caches CacheAdmin, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		users:  users,
		caches: caches,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.loggerMiddleware(h.recoverer(handler))
	}

	mux.HandleFunc("GET /api/v1/users/{id}", wrap(h.getUser))
	mux.HandleFunc("POST /api/v1/users", wrap(h.createUser))
	mux.HandleFunc("PUT /api/v1/users/{id}", wrap(h.updateUser))
	mux.HandleFunc("DELETE /api/v1/users/{id}", wrap(h.deleteUser))

	mux.HandleFunc("DELETE /api/v1/cache/{name}", wrap(h.evictCache))
	mux.HandleFunc("GET /api/v1/policies", wrap(h.listPolicies))
	mux.HandleFunc("GET /api/v1/policies/{name}", wrap(h.getPolicy))

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", wrap(h.ready))
	if h.metrics != nil && h.metricsPath != "" {
		mux.Handle("GET "+h.metricsPath, h.metrics)
	}

	return mux
}

// 請求和響應結構
type userRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type evictResponse struct {
	Success   bool   `json:"success"`
	CacheName string `json:"cache_name"`
	Key       string `json:"key,omitempty"`
	All       bool   `json:"all"`
}

// policyResponse 把時間欄位轉成可讀字串
type policyResponse struct {
	CacheName              string `json:"cache_name"`
	FirstCacheEnabled      bool   `json:"first_cache_enabled"`
	LocalTTL               string `json:"local_ttl"`
	LocalCapacity          int    `json:"local_capacity"`
	LocalExpireMode        string `json:"local_expire_mode"`
	SecondaryCacheEnabled  bool   `json:"secondary_cache_enabled"`
	RemoteTTL              string `json:"remote_ttl"`
	IgnoreException        bool   `json:"ignore_exception"`
	KeyRequired            bool   `json:"key_required"`
	AllowNullValue         bool   `json:"allow_null_value"`
	NullValueMagnification int    `json:"null_value_magnification"`
	PreloadThreshold       string `json:"preload_threshold"`
}

func newPolicyResponse(c policy.Config) policyResponse {
	return policyResponse{
		CacheName:              c.CacheName,
		FirstCacheEnabled:      c.FirstCacheEnabled,
		LocalTTL:               c.LocalTTL.String(),
		LocalCapacity:          c.LocalCapacity,
		LocalExpireMode:        string(c.LocalExpireMode),
		SecondaryCacheEnabled:  c.SecondaryCacheEnabled,
		RemoteTTL:              c.RemoteTTL.String(),
		IgnoreException:        c.IgnoreException,
		KeyRequired:            c.KeyRequired,
		AllowNullValue:         c.AllowNullValue,
		NullValueMagnification: c.NullValueMagnification,
		PreloadThreshold:       c.PreloadThreshold.String(),
	}
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}

	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, u)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeUser(w, r)
	if !ok {
		return
	}

	u, err := h.users.Create(r.Context(), req.Name, req.Email)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, u)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeUser(w, r)
	if !ok {
		return
	}

	u, err := h.users.Update(r.Context(), id, req.Name, req.Email)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, u)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// evictCache 淘汰單一 key；沒有 key 參數時清空整個快取名稱
func (h *Handler) evictCache(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	query := r.URL.Query()
	req := cache.Request{CacheNames: []string{name}, Key: query.Get("key")}

	var err error
	all := !query.Has("key")
	if all {
		err = h.caches.EvictAll(r.Context(), req)
	} else {
		err = h.caches.Evict(r.Context(), req)
	}
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, evictResponse{
		Success:   true,
		CacheName: name,
		Key:       req.Key,
		All:       all,
	})
}

func (h *Handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.caches.Policies().Snapshot()
	out := make([]policyResponse, 0, len(snapshot))
	for _, cfg := range snapshot {
		out = append(out, newPolicyResponse(cfg))
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.caches.Policies().Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		h.respondAppError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid cache policy"))
		return
	}
	h.respondJSON(w, http.StatusOK, newPolicyResponse(cfg))
}

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查：任何一個依賴無法連線都返回 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.readiness {
		if err := check.pinger.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "dependency", check.name, "error", err)
			h.respondError(w, http.StatusServiceUnavailable, apperrors.ErrCodeUnavailable, check.name+" not ready", "")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "invalid user id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decodeUser(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "invalid request body", "")
		return req, false
	}
	if req.Name == "" || req.Email == "" {
		h.respondError(w, http.StatusBadRequest, apperrors.ErrCodeInvalidInput, "name and email are required", "")
		return req, false
	}
	return req, true
}

// respondAppError 依錯誤碼決定狀態碼
//
// 不帶錯誤碼的錯誤來自被快取的計算本身（資料庫查詢），以 COMPUTE_FAILURE 回報。
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := classify(err)

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidKey:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeTierMalfunction, apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.ErrCodeCancelled, apperrors.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "code", appErr.Code, "error", err)
	}
	h.respondError(w, status, appErr.Code, appErr.Message, appErr.Details)
}

func classify(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	return apperrors.Wrap(err, apperrors.ErrCodeComputeFailure, "origin computation failed")
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message, details string) {
	h.respondJSON(w, status, errorResponse{
		Success: false,
		Code:    code,
		Error:   message,
		Details: details,
	})
}

// loggerMiddleware 指派 request id 並記錄請求日誌
//
// 客戶端帶了 X-Request-ID 就沿用，否則產生新的 UUID；
// id 放進 context 後，之後所有 *Context 日誌都會自動帶上 request_id。
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, http.StatusInternalServerError, apperrors.ErrCodeInternal, "internal server error", "")
			}
		}()
		next(w, r)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
