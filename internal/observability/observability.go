// Package observability wires tracing, periodic metric export, and the
// Prometheus metric set shared by the services and the HTTP transport.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config groups the telemetry settings.
type Config struct {
	Tracing TracerConfig
	Metrics MeterConfig
}

// Manager owns the OpenTelemetry providers for the process lifetime.
type Manager struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	config         Config
	mu             sync.RWMutex
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize installs the global tracer and meter providers.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	mp, err := InitGlobalMeter(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.meterProvider = mp

	return nil
}

// GetTracer returns a named tracer from the managed provider.
func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Shutdown flushes and stops the providers. Noop providers (telemetry
// disabled) have no Shutdown method and are skipped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if mp, ok := m.meterProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
