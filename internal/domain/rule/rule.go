// Package rule contains domain types for admission rules.
package rule

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gatecell/gatecell/pkg/gcra"
)

// Errors returned by rule stores and services.
var (
	// ErrNotFound is returned when a rule does not exist.
	ErrNotFound = errors.New("rule not found")
	// ErrDuplicateID is returned when creating a rule whose ID already exists.
	ErrDuplicateID = errors.New("rule id already exists")
	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = errors.New("rule version conflict")
)

// Rule defines a single admission rule: which requests it applies to,
// how the limit key is derived, and the quota enforced per key.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string
	// Name is a human-readable name for this rule.
	Name string
	// Match is a CEL expression selecting the requests this rule governs.
	// Empty matches every request.
	Match string
	// KeyBy is a CEL expression deriving the limit key from the request.
	// Empty derives "<tenant>:<resource>".
	KeyBy string
	// Rate is the number of cells replenished per Period.
	Rate int
	// Period is the replenishment window for Rate cells.
	Period time.Duration
	// Burst is the maximum number of cells admissible at the same instant.
	// Zero defaults to Rate.
	Burst int
	// Priority determines evaluation order (higher = evaluated first).
	Priority int
	// Disabled excludes the rule from evaluation without deleting it.
	Disabled bool
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the rule was last modified (UTC).
	UpdatedAt time.Time
	// Version is the optimistic concurrency token, incremented on update.
	Version int64
}

// Validate checks that the rule fields describe an enforceable quota.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Rate < 1 {
		return fmt.Errorf("rule %q: rate must be at least 1", r.Name)
	}
	if r.Period <= 0 {
		return fmt.Errorf("rule %q: period must be positive", r.Name)
	}
	if r.Burst < 0 {
		return fmt.Errorf("rule %q: burst must not be negative", r.Name)
	}
	burst := r.Burst
	if burst == 0 {
		burst = r.Rate
	}
	if int64(burst) > math.MaxUint32 {
		return fmt.Errorf("rule %q: burst %d is out of range", r.Name, burst)
	}
	if _, err := r.Quota(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

// Quota converts the rule's rate, period, and burst into an admission quota.
// One cell regenerates every Period/Rate; Burst cells (Rate when Burst is
// zero) may be admitted back to back.
func (r *Rule) Quota() (gcra.Quota, error) {
	if r.Rate < 1 {
		return gcra.Quota{}, errors.New("rate must be at least 1")
	}
	burst := r.Burst
	if burst == 0 {
		burst = r.Rate
	}
	if burst < 1 || int64(burst) > math.MaxUint32 {
		return gcra.Quota{}, fmt.Errorf("burst %d is out of range", burst)
	}
	return gcra.NewQuota(r.Period/time.Duration(r.Rate), uint32(burst))
}

// Clone returns an independent copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	return &c
}
