// Package metrics 以 OpenTelemetry 記錄快取指標，並透過 Prometheus 格式輸出。
//
// 指標：
//
//	mlc.requests          {cache_name, result}           請求結果（local_hit / remote_hit / miss / bypass / error）
//	mlc.compute.duration  {cache_name, outcome}          底層計算耗時（毫秒）
//	mlc.tier.errors       {cache_name, tier, op, tolerated} 快取層故障
//	mlc.refreshes         {cache_name}                   提前刷新次數
//	mlc.guard.*           （observable）                 擊穿保護的累計統計
//
// 命中率 = sum(result=~".*_hit") / sum(requests)，在 Prometheus 端計算。
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/guard"
)

const meterName = "github.com/koopa0/system-design/14-multi-level-cache"

// Result 是單次請求的結果分類
type Result string

const (
	ResultLocalHit  Result = "local_hit"
	ResultRemoteHit Result = "remote_hit"
	ResultMiss      Result = "miss"
	ResultBypass    Result = "bypass"
	ResultError     Result = "error"
)

// Metrics 持有所有指標工具，可安全並發使用。
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	meter           metric.Meter
	requests        metric.Int64Counter
	computeDuration metric.Float64Histogram
	tierErrors      metric.Int64Counter
	refreshes       metric.Int64Counter
}

// New 建立以 Prometheus 輸出的 Metrics。
//
// 使用獨立的 registry，不污染 prometheus.DefaultRegisterer；
// Handler() 返回對應的 /metrics handler。
func New() (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, nil
}

// NewWithMeter 以指定的 meter 建立 Metrics（測試時搭配 ManualReader）。
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter(
		"mlc.requests",
		metric.WithDescription("Cache requests by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	computeDuration, err := meter.Float64Histogram(
		"mlc.compute.duration",
		metric.WithDescription("Duration of the underlying computation on a full miss"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	tierErrors, err := meter.Int64Counter(
		"mlc.tier.errors",
		metric.WithDescription("Tier malfunctions by tier and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter(
		"mlc.refreshes",
		metric.WithDescription("Background refresh-ahead recomputations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:           meter,
		requests:        requests,
		computeDuration: computeDuration,
		tierErrors:      tierErrors,
		refreshes:       refreshes,
	}, nil
}

// Request 記錄一次請求結果
func (m *Metrics) Request(ctx context.Context, cacheName string, result Result) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_name", cacheName),
		attribute.String("result", string(result)),
	))
}

// Compute 記錄一次底層計算
func (m *Metrics) Compute(ctx context.Context, cacheName string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.computeDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("cache_name", cacheName),
		attribute.String("outcome", outcome),
	))
}

// TierError 記錄快取層故障；tolerated 表示被吞掉（降級或回填失敗）
func (m *Metrics) TierError(ctx context.Context, cacheName, tier, op string, tolerated bool) {
	m.tierErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_name", cacheName),
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("tolerated", strconv.FormatBool(tolerated)),
	))
}

// Refresh 記錄一次提前刷新
func (m *Metrics) Refresh(ctx context.Context, cacheName string) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("cache_name", cacheName)))
}

// ObserveGuard 以 observable counter 輸出擊穿保護的累計統計
func (m *Metrics) ObserveGuard(g *guard.Guard) error {
	leaders, err := m.meter.Int64ObservableCounter("mlc.guard.leaders",
		metric.WithDescription("Computations actually executed by the stampede guard"))
	if err != nil {
		return err
	}
	followers, err := m.meter.Int64ObservableCounter("mlc.guard.followers",
		metric.WithDescription("Callers that shared an in-flight computation"))
	if err != nil {
		return err
	}
	cancelled, err := m.meter.Int64ObservableCounter("mlc.guard.cancelled",
		metric.WithDescription("Callers cancelled while waiting on a computation"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := g.Stats()
		o.ObserveInt64(leaders, s.Leaders)
		o.ObserveInt64(followers, s.Followers)
		o.ObserveInt64(cancelled, s.Cancelled)
		return nil
	}, leaders, followers, cancelled)
	return err
}

// Handler 返回 Prometheus /metrics handler；以 NewWithMeter 建立時為 404。
func (m *Metrics) Handler() http.Handler {
	if m.handler == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown 關閉 MeterProvider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
