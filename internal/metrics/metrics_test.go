package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/guard"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/metrics"
)

func newTestMetrics(t *testing.T) (*metrics.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := metrics.NewWithMeter(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)

	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestMetrics_Requests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Request(ctx, "users", metrics.ResultLocalHit)
	m.Request(ctx, "users", metrics.ResultLocalHit)
	m.Request(ctx, "users", metrics.ResultMiss)
	m.Request(ctx, "orders", metrics.ResultRemoteHit)

	got := collect(t, reader)
	requests := got["mlc.requests"]
	assert.Equal(t, int64(2), sumFor(t, requests,
		attribute.String("cache_name", "users"), attribute.String("result", "local_hit")))
	assert.Equal(t, int64(1), sumFor(t, requests,
		attribute.String("cache_name", "users"), attribute.String("result", "miss")))
	assert.Equal(t, int64(1), sumFor(t, requests,
		attribute.String("cache_name", "orders"), attribute.String("result", "remote_hit")))
}

func TestMetrics_TierErrorsAndCompute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TierError(ctx, "users", "remote", "get", true)
	m.TierError(ctx, "users", "remote", "get", false)
	m.Compute(ctx, "users", 5*time.Millisecond, nil)
	m.Compute(ctx, "users", 7*time.Millisecond, errors.New("boom"))
	m.Refresh(ctx, "users")

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["mlc.tier.errors"],
		attribute.String("cache_name", "users"),
		attribute.String("tier", "remote"),
		attribute.String("op", "get"),
		attribute.String("tolerated", "true")))
	assert.Equal(t, int64(1), sumFor(t, got["mlc.refreshes"], attribute.String("cache_name", "users")))

	hist, ok := got["mlc.compute.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(2), total)
}

func TestMetrics_ObserveGuard(t *testing.T) {
	m, reader := newTestMetrics(t)
	g := guard.New()
	require.NoError(t, m.ObserveGuard(g))

	_, err := g.RunExclusive(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["mlc.guard.leaders"]))
}

func TestMetrics_PrometheusHandler(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.Request(context.Background(), "users", metrics.ResultMiss)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mlc_requests")
	assert.Contains(t, string(body), `cache_name="users"`)
}
