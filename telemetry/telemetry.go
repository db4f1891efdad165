package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of all tcpexec instruments.
const MeterName = "github.com/guseggert/tcpexec"

// Metrics holds the instruments recorded by relays and servers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions metric.Int64Counter
	active   metric.Int64UpDownCounter
	bytes    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates the instruments from provider. If provider is nil, the global provider is used.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(MeterName)

	var (
		m   Metrics
		err error
	)
	m.sessions, err = meter.Int64Counter("tcpexec.sessions",
		metric.WithDescription("Number of relayed connections, by how they ended"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}
	m.active, err = meter.Int64UpDownCounter("tcpexec.sessions.active",
		metric.WithDescription("Number of connections currently relaying to a process"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("creating active sessions counter: %w", err)
	}
	m.bytes, err = meter.Int64Counter("tcpexec.bytes",
		metric.WithDescription("Bytes forwarded between connections and processes"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("creating bytes counter: %w", err)
	}
	m.duration, err = meter.Float64Histogram("tcpexec.session.duration",
		metric.WithDescription("Duration of relayed connections"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return &m, nil
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(context.WithoutCancel(ctx), 1)
}

// SessionClosed records the end of a session previously passed to SessionOpened.
func (m *Metrics) SessionClosed(ctx context.Context, reason string, d time.Duration) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.active.Add(ctx, -1)
	m.sessions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// SessionRejected records a connection that never got a process.
func (m *Metrics) SessionRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) BytesRelayed(ctx context.Context, in, out int64) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.bytes.Add(ctx, in, metric.WithAttributes(attribute.String("direction", "in")))
	m.bytes.Add(ctx, out, metric.WithAttributes(attribute.String("direction", "out")))
}
