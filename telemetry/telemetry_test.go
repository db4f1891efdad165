package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(provider)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumByAttr(t *testing.T, agg metricdata.Aggregation, key string) map[string]int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx := context.Background()

	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx, "client_closed", 20*time.Millisecond)
	m.SessionRejected(ctx, "spawn_failed")
	m.BytesRelayed(ctx, 5, 12)

	data := collect(t, reader)

	active, ok := data["tcpexec.sessions.active"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Equal(t, int64(1), active.DataPoints[0].Value)

	sessions := sumByAttr(t, data["tcpexec.sessions"], "reason")
	assert.Equal(t, map[string]int64{"client_closed": 1, "spawn_failed": 1}, sessions)

	bytes := sumByAttr(t, data["tcpexec.bytes"], "direction")
	assert.Equal(t, map[string]int64{"in": 5, "out": 12}, bytes)

	hist, ok := data["tcpexec.session.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 20.0, hist.DataPoints[0].Sum, 0.001)
}

func TestCanceledContextStillRecords(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.SessionRejected(ctx, "canceled")

	sessions := sumByAttr(t, collect(t, reader)["tcpexec.sessions"], "reason")
	assert.Equal(t, int64(1), sessions["canceled"])
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.SessionOpened(ctx)
		m.SessionClosed(ctx, "client_closed", time.Second)
		m.SessionRejected(ctx, "spawn_failed")
		m.BytesRelayed(ctx, 1, 1)
	})
}
