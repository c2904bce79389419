// Package gatecell provides a Go SDK for the gatecell admission check API.
//
// gatecell is a rate limiting service built on the generic cell rate
// algorithm. This SDK lets Go clients ask the server for admission
// decisions before doing work, wait out denials, and manage limit rules
// through the admin API. It uses only the Go standard library (net/http)
// with zero external dependencies.
//
// Quick start:
//
//	// Set GATECELL_SERVER_ADDR, then:
//	client := gatecell.NewClient()
//
//	resp, err := client.Check(ctx, gatecell.CheckRequest{
//	    Tenant:   "acme",
//	    Resource: "/api/export",
//	    Method:   "POST",
//	})
//	if err != nil {
//	    var limited *gatecell.RateLimitedError
//	    if errors.As(err, &limited) {
//	        fmt.Printf("limited by rule %s: retry in %s\n", limited.Rule, limited.RetryAfter)
//	    }
//	}
package gatecell

import "time"

// CheckRequest represents an admission check sent to the gatecell server.
// Fields map to the check request schema on the server side.
type CheckRequest struct {
	// Tenant identifies the calling tenant or account. Required by the
	// server; when empty the client's default tenant is used.
	Tenant string `json:"tenant"`

	// Resource names the resource or endpoint being accessed. Required.
	Resource string `json:"resource"`

	// Method is the operation verb (e.g. "GET", "publish").
	Method string `json:"method,omitempty"`

	// IP is the client IP address. When empty the server falls back to
	// the connection's peer address.
	IP string `json:"ip,omitempty"`

	// Attrs holds arbitrary request attributes for rule expression use.
	Attrs map[string]any `json:"attrs,omitempty"`
}

// batchCheckRequest is a check request with a batch size, sent to the
// batch endpoint.
type batchCheckRequest struct {
	CheckRequest
	N uint64 `json:"n"`
}

// CheckResponse represents the admission decision returned by the
// gatecell server.
type CheckResponse struct {
	// Allowed reports whether the request was admitted.
	Allowed bool `json:"allowed"`

	// Matched reports whether any rule matched the request. An
	// unmatched request is admitted without consuming any quota.
	Matched bool `json:"matched"`

	// RuleID is the identifier of the rule that decided the request.
	RuleID string `json:"rule_id,omitempty"`

	// Rule is the human-readable name of the deciding rule.
	Rule string `json:"rule,omitempty"`

	// Key is the limiter key the decision was made against.
	Key string `json:"key,omitempty"`

	// Limit is the burst capacity of the deciding rule.
	Limit uint32 `json:"limit,omitempty"`

	// Remaining is the burst capacity left after this decision.
	Remaining uint64 `json:"remaining"`

	// RetryAfterMS is the advised wait in milliseconds before retrying
	// a denied request. Zero when allowed.
	RetryAfterMS int64 `json:"retry_after_ms"`

	// ResetAfterMS is the time in milliseconds until the limiter fully
	// drains back to its initial burst capacity.
	ResetAfterMS int64 `json:"reset_after_ms"`
}

// RetryAfter returns the advised wait before retrying as a duration.
func (r *CheckResponse) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMS) * time.Millisecond
}

// ResetAfter returns the time until the limiter fully drains as a duration.
func (r *CheckResponse) ResetAfter() time.Duration {
	return time.Duration(r.ResetAfterMS) * time.Millisecond
}

// Rule represents a limit rule as exposed by the admin API.
type Rule struct {
	// ID is the server-assigned rule identifier.
	ID string `json:"id,omitempty"`

	// Name is the unique human-readable rule name.
	Name string `json:"name"`

	// Match is the CEL expression selecting the requests this rule
	// governs. An empty expression matches every request.
	Match string `json:"match,omitempty"`

	// KeyBy is the CEL expression deriving the limiter key. When empty
	// the server keys on tenant and resource.
	KeyBy string `json:"key_by,omitempty"`

	// Rate is the number of admissions per Period.
	Rate int `json:"rate"`

	// Period is the replenishment period as a duration string (e.g. "1s").
	Period string `json:"period"`

	// Burst is the burst capacity. Zero defaults to Rate on the server.
	Burst int `json:"burst,omitempty"`

	// Priority orders rules when several match; higher wins.
	Priority int `json:"priority,omitempty"`

	// Disabled excludes the rule from matching without deleting it.
	Disabled bool `json:"disabled,omitempty"`

	// CreatedAt is when the rule was created.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is when the rule was last modified.
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Version guards updates: sending a non-zero version that does not
	// match the stored rule fails with ErrRuleConflict.
	Version int64 `json:"version,omitempty"`
}
