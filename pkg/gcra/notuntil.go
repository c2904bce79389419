package gcra

import (
	"fmt"
	"time"
)

// NotUntil describes a denial: when a retry could first succeed, and how
// long to wait for that from any given instant. It is attached to every
// denied Decision.
type NotUntil struct {
	snapshot Snapshot
	start    Nanos
	clock    Clock
}

// EarliestPossible returns the earliest instant, in the limiter clock's
// terms, at which a retry could be conforming. Conforming decisions made by
// other callers in the meantime push that instant further out.
func (nu *NotUntil) EarliestPossible() Nanos {
	return nu.start.Add(nu.snapshot.nextTat)
}

// WaitTimeFrom returns how long after from the earliest conforming instant
// lies. It is zero when from is already past that instant, never negative.
func (nu *NotUntil) WaitTimeFrom(from Nanos) time.Duration {
	earliest := nu.EarliestPossible()
	return earliest.Sub(earliest.Min(from)).Duration()
}

// WaitTime returns the wait measured from the limiter clock's current
// reading.
func (nu *NotUntil) WaitTime() time.Duration {
	return nu.WaitTimeFrom(nu.clock.Now())
}

// EarliestPossibleWithJitter is EarliestPossible with a jitter offset added,
// so that simultaneously denied callers do not all retry at the same
// instant.
func (nu *NotUntil) EarliestPossibleWithJitter(j Jitter) Nanos {
	return nu.start.Add(j.Apply(nu.snapshot.nextTat))
}

// WaitTimeWithJitter is WaitTimeFrom against the jittered earliest instant.
func (nu *NotUntil) WaitTimeWithJitter(from Nanos, j Jitter) time.Duration {
	earliest := nu.EarliestPossibleWithJitter(j)
	return earliest.Sub(earliest.Min(from)).Duration()
}

// Quota returns the quota the denying limiter was configured with.
func (nu *NotUntil) Quota() Quota {
	return nu.snapshot.Quota()
}

func (nu *NotUntil) String() string {
	return fmt.Sprintf("rate-limited until %v", nu.EarliestPossible())
}
