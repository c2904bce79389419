package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MeterConfig controls periodic metric export.
type MeterConfig struct {
	Enabled     bool
	Interval    time.Duration
	ServiceName string
}

// InitGlobalMeter installs the global meter provider. When disabled it
// installs a noop provider. Metrics are exported to stdout on the
// configured interval.
func InitGlobalMeter(ctx context.Context, cfg MeterConfig) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		return noop.NewMeterProvider(), nil
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}
