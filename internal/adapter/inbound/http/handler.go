package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/service"
	"github.com/gatecell/gatecell/pkg/gcra"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// checkRequest is the JSON request body for admission checks.
type checkRequest struct {
	Tenant   string         `json:"tenant"`
	Resource string         `json:"resource"`
	Method   string         `json:"method"`
	IP       string         `json:"ip"`
	Attrs    map[string]any `json:"attrs"`
	// N is the batch size; only read by /v1/check_batch.
	N uint64 `json:"n"`
}

// checkResponse is the JSON response for admission checks. Denied requests
// still answer 200; Allowed carries the verdict.
type checkResponse struct {
	Allowed      bool   `json:"allowed"`
	Matched      bool   `json:"matched"`
	RuleID       string `json:"rule_id,omitempty"`
	Rule         string `json:"rule,omitempty"`
	Key          string `json:"key,omitempty"`
	Limit        uint32 `json:"limit,omitempty"`
	Remaining    uint64 `json:"remaining"`
	RetryAfterMS int64  `json:"retry_after_ms"`
	ResetAfterMS int64  `json:"reset_after_ms"`
}

// toCheckResponse converts a service decision to the API response.
func toCheckResponse(d service.AdmissionDecision) checkResponse {
	return checkResponse{
		Allowed:      d.Allowed,
		Matched:      d.Matched,
		RuleID:       d.RuleID,
		Rule:         d.RuleName,
		Key:          d.Key,
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		RetryAfterMS: ceilMillis(d.RetryAfter),
		ResetAfterMS: ceilMillis(d.ResetAfter),
	}
}

// ceilMillis rounds a duration up to whole milliseconds so an advised wait
// is never understated.
func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}

// handleCheck admits or denies a single request.
// POST /v1/check
func (t *Transport) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := t.decodeCheck(w, r)
	if !ok {
		return
	}

	dec, err := t.admission.Admit(r.Context(), t.checkContext(r, req))
	if err != nil {
		LoggerFromContext(r.Context()).Error("admission check failed", "error", err)
		t.respondError(w, http.StatusInternalServerError, "admission check failed")
		return
	}

	t.respondJSON(w, http.StatusOK, toCheckResponse(dec))
}

// handleCheckBatch admits or denies n cells all-or-nothing.
// POST /v1/check_batch
func (t *Transport) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := t.decodeCheck(w, r)
	if !ok {
		return
	}

	dec, err := t.admission.AdmitN(r.Context(), t.checkContext(r, req), req.N)
	if err != nil {
		if errors.Is(err, gcra.ErrZeroBatch) {
			t.respondError(w, http.StatusBadRequest, "n must be at least 1")
			return
		}
		var insuf *gcra.InsufficientCapacityError
		if errors.As(err, &insuf) {
			t.respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":     err.Error(),
				"max_batch": insuf.MaxBatch,
			})
			return
		}
		LoggerFromContext(r.Context()).Error("admission check failed", "error", err)
		t.respondError(w, http.StatusInternalServerError, "admission check failed")
		return
	}

	t.respondJSON(w, http.StatusOK, toCheckResponse(dec))
}

// decodeCheck reads and validates a check request body. On failure it
// writes the error response and returns ok=false.
func (t *Transport) decodeCheck(w http.ResponseWriter, r *http.Request) (checkRequest, bool) {
	var req checkRequest
	if err := t.readJSON(w, r, &req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			t.respondError(w, http.StatusRequestEntityTooLarge, "request body too large (max 1MB)")
			return req, false
		}
		t.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return req, false
	}
	if req.Tenant == "" {
		t.respondError(w, http.StatusBadRequest, "tenant is required")
		return req, false
	}
	if req.Resource == "" {
		t.respondError(w, http.StatusBadRequest, "resource is required")
		return req, false
	}
	return req, true
}

// checkContext builds the rule evaluation context from a check request.
// A missing client IP falls back to the connection's peer address.
func (t *Transport) checkContext(r *http.Request, req checkRequest) rule.CheckContext {
	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}
	return rule.CheckContext{
		Tenant:      req.Tenant,
		Resource:    req.Resource,
		Method:      req.Method,
		IP:          ip,
		Attrs:       req.Attrs,
		RequestTime: time.Now().UTC(),
	}
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (t *Transport) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		t.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (t *Transport) respondError(w http.ResponseWriter, status int, message string) {
	t.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v, enforcing the body size limit.
func (t *Transport) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
