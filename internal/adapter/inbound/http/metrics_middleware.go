package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gatecell/gatecell/internal/observability"
)

// MetricsMiddleware wraps an HTTP handler to record Prometheus metrics.
// It records:
// - check_duration_seconds histogram (by endpoint)
// - check_requests_total counter (by endpoint and status)
// - in_flight_requests gauge
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipObservation(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()

			start := time.Now()

			// Wrap ResponseWriter to capture status code
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			endpoint := endpointLabel(r.URL.Path)
			status := statusToLabel(wrapped.status)

			metrics.CheckDuration.WithLabelValues(endpoint).Observe(duration)
			metrics.CheckRequestsTotal.WithLabelValues(endpoint, status).Inc()
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// endpointLabel maps a request path onto a bounded endpoint label so the
// metric cardinality stays fixed.
func endpointLabel(path string) string {
	switch {
	case path == "/v1/check":
		return "check"
	case path == "/v1/check_batch":
		return "check_batch"
	case strings.HasPrefix(path, "/v1/admin/"):
		return "admin"
	default:
		return "other"
	}
}

// statusToLabel converts HTTP status code to label value
func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
