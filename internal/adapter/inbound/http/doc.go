// Package http provides the inbound HTTP API for gatecell.
//
// This package implements the admission check API consumed by gateways and
// services, and the admin rule API used to manage admission rules at
// runtime.
//
// # Usage
//
// Create and start a transport:
//
//	transport := http.NewTransport(admissionService, ruleService,
//	    http.WithAddr(":8080"),
//	    http.WithLogger(logger),
//	    http.WithAdminKeyHash(cfg.Admin.KeyHash),
//	    http.WithShutdownGrace(10*time.Second),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /v1/check             - Admit or deny a single request
//	POST /v1/check_batch       - Admit or deny n cells all-or-nothing
//	GET /v1/admin/rules        - List rules
//	POST /v1/admin/rules       - Create a rule
//	GET /v1/admin/rules/{id}   - Get a rule
//	PUT /v1/admin/rules/{id}   - Update a rule (optimistic versioning)
//	DELETE /v1/admin/rules/{id} - Delete a rule
//	GET /healthz               - Liveness probe
//	GET /readyz                - Readiness probe (component checks)
//	GET /metrics               - Prometheus scrape endpoint
//
// Check responses always answer 200; the verdict is the "allowed" field.
// Denied responses carry "retry_after_ms" with the advised wait. Callers
// that want HTTP-level 429 enforcement should use pkg/httplimit instead.
//
// # Admin Authentication
//
// With WithAdminKeyHash set, /v1/admin requests must carry
// "Authorization: Bearer <key>" where the key matches the configured
// argon2id hash. Without a hash, the admin API only accepts requests from
// loopback addresses.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration, status, and in-flight count
//  2. RequestIDMiddleware - Extracts/generates request ID and enriches logger
//  3. AccessLogMiddleware - One structured log line per request
//  4. RecoveryMiddleware - Converts handler panics into 500 responses
//
// Probe and scrape paths (/healthz, /readyz, /metrics) are exempt from
// access logging and request metrics.
package http
