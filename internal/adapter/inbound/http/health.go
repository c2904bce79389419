package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/service"
)

// HealthResponse is the JSON response from the /readyz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies the components serving admission checks.
type HealthChecker struct {
	admission *service.AdmissionService
	store     rule.Store
	version   string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(admission *service.AdmissionService, store rule.Store, version string) *HealthChecker {
	return &HealthChecker{
		admission: admission,
		store:     store,
		version:   version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// The rule store must answer; a broken SQLite file or locked state
	// surfaces here before the admin API fails in stranger ways.
	if h.store != nil {
		if _, err := h.store.List(ctx); err != nil {
			checks["rule_store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["rule_store"] = "ok"
		}
	} else {
		checks["rule_store"] = "not configured"
	}

	if h.admission != nil {
		checks["rules"] = fmt.Sprintf("%d compiled", h.admission.RuleCount())
	} else {
		checks["rules"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the readiness endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// liveHandler answers liveness probes: the process is up and serving.
func liveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
