package gcra

import (
	"errors"
	"fmt"
)

// ErrZeroBatch is returned when a batch test is asked to admit zero cells.
var ErrZeroBatch = errors.New("batch size must be at least 1")

// InsufficientCapacityError reports a batch that can never be admitted under
// the configured quota, regardless of the bucket's current fill level.
type InsufficientCapacityError struct {
	// MaxBatch is the largest batch size the quota could ever admit.
	MaxBatch uint64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("batch can never be admitted: quota allows at most %d cells at once", e.MaxBatch)
}

// gcra holds the derived tuning parameters of the virtual-scheduling
// algorithm: t is the time cost of one cell, tau the tolerance that admits
// bursts. The stored per-key state is a single Nanos, the theoretical
// arrival time ("tat") at which the bucket would be empty again.
type gcra struct {
	t   Nanos
	tau Nanos
}

func newGcra(q Quota) gcra {
	t, tau := q.params()
	return gcra{t: t, tau: tau}
}

// testAndUpdate runs the single-cell admission test against the state stored
// at key. start is the limiter's reference instant, now the arrival time;
// both are in the clock's terms. The closure handed to the store is pure and
// may be re-run when a commit race is lost.
//
// A denial returns the observed state unchanged, so committing it is a
// no-op: denied cells consume no capacity. The denial snapshot carries the
// earliest conforming arrival time in both time fields.
func (g gcra) testAndUpdate(start Nanos, key string, store StateStore, now Nanos) Decision {
	t0 := now.Sub(start)
	return store.MeasureAndReplace(key, func(tat Nanos, found bool) (Nanos, Decision) {
		if !found {
			tat = t0
		}
		earliest := tat.Sub(g.tau)
		if t0 < earliest {
			return tat, Decision{
				Snapshot: Snapshot{t: g.t, tau: g.tau, tatAtDecision: earliest, nextTat: earliest},
			}
		}
		next := max(tat, t0).Add(g.t)
		return next, Decision{
			Allowed:  true,
			Snapshot: Snapshot{t: g.t, tau: g.tau, tatAtDecision: t0, nextTat: next},
		}
	})
}

// testNAllAndUpdate admits all n cells or none of them. The batch is weighed
// as one compound cell of cost t + t*(n-1); a batch heavier than the bucket's
// whole capacity fails with InsufficientCapacityError before the store is
// touched.
func (g gcra) testNAllAndUpdate(start Nanos, key string, n uint64, store StateStore, now Nanos) (Decision, error) {
	if n == 0 {
		return Decision{}, ErrZeroBatch
	}
	weight := g.t.Mul(n - 1)
	if weight > g.tau {
		return Decision{}, &InsufficientCapacityError{MaxBatch: 1 + uint64(g.tau)/uint64(g.t)}
	}
	t0 := now.Sub(start)
	d := store.MeasureAndReplace(key, func(tat Nanos, found bool) (Nanos, Decision) {
		if !found {
			tat = t0
		}
		earliest := tat.Add(weight).Sub(g.tau)
		if t0 < earliest {
			return tat, Decision{
				Snapshot: Snapshot{t: g.t, tau: g.tau, tatAtDecision: earliest, nextTat: earliest},
			}
		}
		next := max(tat, t0).Add(g.t).Add(weight)
		return next, Decision{
			Allowed:  true,
			Snapshot: Snapshot{t: g.t, tau: g.tau, tatAtDecision: t0, nextTat: next},
		}
	})
	return d, nil
}
