package gcra

import "time"

// Snapshot is an immutable projection of the limiter state at the moment a
// decision was made. It does not alias the stored state; callers may keep it
// as long as they like.
type Snapshot struct {
	t             Nanos
	tau           Nanos
	tatAtDecision Nanos
	nextTat       Nanos
}

// Quota reconstructs the quota the decision was made under.
func (s Snapshot) Quota() Quota {
	return quotaFromParams(s.t, s.tau)
}

// RemainingBurstCapacity reports how many additional cells could be admitted
// at the decision instant. Denials report zero: an admission snapshot always
// advances nextTat past the decision point, a denial never does.
func (s Snapshot) RemainingBurstCapacity() uint64 {
	if s.nextTat == s.tatAtDecision {
		return 0
	}
	limit := s.tatAtDecision.Add(s.tau)
	if s.nextTat > limit {
		return 0
	}
	return uint64(limit.Sub(s.nextTat))/uint64(s.t) + 1
}

// ResetAfter reports how long after the decision instant the bucket would be
// fully replenished again, assuming no further arrivals.
func (s Snapshot) ResetAfter() time.Duration {
	return s.nextTat.Sub(s.tatAtDecision).Duration()
}

// Decision is the outcome of an admission test.
//
// Allowed decisions carry a snapshot only; denied decisions additionally
// carry a NotUntil for computing retry times. Annotation holds whatever the
// limiter's middleware attached.
type Decision struct {
	Allowed    bool
	Snapshot   Snapshot
	NotUntil   *NotUntil
	Annotation any
}
