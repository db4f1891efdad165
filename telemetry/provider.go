package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops a meter provider.
type ShutdownFunc func(context.Context) error

// endpointEnvVars turn on OTLP export when any of them is set.
var endpointEnvVars = []string{
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
}

// ExportEnabled reports whether an OTLP endpoint is configured in the environment.
func ExportEnabled() bool {
	for _, v := range endpointEnvVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

// NewProvider builds a meter provider that periodically exports over OTLP/gRPC and installs it as the global provider.
// The exporter reads its endpoint, headers, and TLS settings from the standard OTEL_EXPORTER_OTLP_* variables.
// When no endpoint is configured, the global provider is returned unchanged along with a no-op shutdown.
func NewProvider(ctx context.Context, serviceName, serviceVersion string) (metric.MeterProvider, ShutdownFunc, error) {
	if !ExportEnabled() {
		return otel.GetMeterProvider(), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}
