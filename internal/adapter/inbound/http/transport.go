// Package http provides the inbound HTTP API for gatecell.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatecell/gatecell/internal/observability"
	"github.com/gatecell/gatecell/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport is the inbound adapter that serves the admission check API and
// the admin rule API over HTTP.
type Transport struct {
	admission     *service.AdmissionService
	rules         *service.RuleService
	server        *http.Server
	addr          string
	keyHash       string
	shutdownGrace time.Duration
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	health        *HealthChecker
	logger        *slog.Logger
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRegistry sets the Prometheus registry serving /metrics. When unset,
// Start creates its own registry with Go and process collectors.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.registry = reg
	}
}

// WithMetrics sets the shared metric set. When unset, Start creates one
// against the registry; pass this when the admission service already
// records into the same set.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithAdminKeyHash sets the argon2id hash the admin API verifies bearer
// keys against. When empty, the admin API is restricted to localhost.
func WithAdminKeyHash(hash string) Option {
	return func(t *Transport) {
		t.keyHash = hash
	}
}

// WithShutdownGrace sets how long graceful shutdown waits for in-flight
// requests. Default is 10 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.shutdownGrace = d
		}
	}
}

// WithHealthChecker sets the health checker for the /readyz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) {
		t.health = hc
	}
}

// NewTransport creates an HTTP transport serving the given services.
func NewTransport(admission *service.AdmissionService, rules *service.RuleService, opts ...Option) *Transport {
	t := &Transport{
		admission:     admission,
		rules:         rules,
		addr:          "127.0.0.1:8080",
		shutdownGrace: 10 * time.Second,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	reg := t.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if t.metrics == nil {
		t.metrics = observability.NewMetrics(reg)
	}

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.buildHandler(reg),
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// buildHandler assembles the route mux and middleware chain.
func (t *Transport) buildHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	// Admission checks.
	mux.HandleFunc("POST /v1/check", t.handleCheck)
	mux.HandleFunc("POST /v1/check_batch", t.handleCheckBatch)

	// Rule CRUD behind admin auth.
	admin := http.NewServeMux()
	admin.HandleFunc("GET /v1/admin/rules", t.handleListRules)
	admin.HandleFunc("POST /v1/admin/rules", t.handleCreateRule)
	admin.HandleFunc("GET /v1/admin/rules/{id}", t.handleGetRule)
	admin.HandleFunc("PUT /v1/admin/rules/{id}", t.handleUpdateRule)
	admin.HandleFunc("DELETE /v1/admin/rules/{id}", t.handleDeleteRule)
	mux.Handle("/v1/admin/", t.adminAuth(admin))

	// Probes and scrape endpoint.
	mux.Handle("GET /healthz", liveHandler())
	if t.health != nil {
		mux.Handle("GET /readyz", t.health.Handler())
	} else {
		mux.Handle("GET /readyz", liveHandler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - duration and status (outermost to capture full duration)
	// 2. RequestIDMiddleware - request ID and enriched logger
	// 3. AccessLogMiddleware - one log line per request (needs the enriched logger)
	// 4. RecoveryMiddleware - panics become 500s, logged with request ID
	var handler http.Handler = mux
	handler = RecoveryMiddleware()(handler)
	handler = AccessLogMiddleware()(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownGrace)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
