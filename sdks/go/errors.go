package gatecell

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrRateLimited is returned when a check results in a deny decision.
	ErrRateLimited = errors.New("rate limited")

	// ErrBatchTooLarge is returned when a batch can never fit the
	// deciding rule's burst capacity.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrWaitTimeout is returned when Wait exceeds its retry budget.
	ErrWaitTimeout = errors.New("wait timeout")

	// ErrServerUnreachable is returned when the gatecell server cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrRuleNotFound is returned by admin calls when no rule has the given ID.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleConflict is returned by admin calls on a duplicate rule name
	// or a stale rule version.
	ErrRuleConflict = errors.New("rule conflict")
)

// GatecellError is the base error type for SDK errors.
type GatecellError struct {
	// Code is a machine-readable error code.
	Code string
	// Body is the raw response body when the error came from an HTTP response.
	Body string
	// Err is the underlying error.
	Err error
}

// Error returns the error message.
func (e *GatecellError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gatecell [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("gatecell [%s]", e.Code)
}

// Unwrap returns the underlying error.
func (e *GatecellError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when a check results in a deny decision.
// It carries the deciding rule and the advised retry delay.
type RateLimitedError struct {
	// RuleID is the identifier of the rule that denied the request.
	RuleID string
	// Rule is the human-readable name of the denying rule.
	Rule string
	// Key is the limiter key the decision was made against.
	Key string
	// RetryAfter is the advised wait before retrying.
	RetryAfter time.Duration
	// ResetAfter is the time until the limiter fully drains.
	ResetAfter time.Duration
}

// Error returns a human-readable description of the denial.
func (e *RateLimitedError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("rate limited by rule '%s': retry after %s", e.Rule, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// BatchTooLargeError is returned when a batch exceeds the deciding rule's
// burst capacity and can never be admitted.
type BatchTooLargeError struct {
	// N is the requested batch size.
	N uint64
	// MaxBatch is the largest batch the rule can ever admit.
	MaxBatch uint64
}

// Error returns a human-readable description of the oversized batch.
func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d can never be admitted (max %d)", e.N, e.MaxBatch)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrBatchTooLarge).
func (e *BatchTooLargeError) Is(target error) bool {
	return target == ErrBatchTooLarge
}

// WaitTimeoutError is returned when Wait exceeds its retry budget without
// being admitted.
type WaitTimeoutError struct {
	// Attempts is the number of checks made before giving up.
	Attempts int
}

// Error returns a human-readable description of the exhausted wait.
func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("rate limit wait timed out after %d attempts", e.Attempts)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrWaitTimeout).
func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// ServerUnreachableError is returned when the gatecell server cannot be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying error that caused the server to be unreachable.
	Cause error
}

// Error returns a human-readable description of the server unreachable error.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
