package gcra

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuota is returned by quota constructors for a non-positive
// replenishment interval or a zero burst size.
var ErrInvalidQuota = errors.New("invalid quota")

// Quota describes a rate limit: how long it takes to replenish one cell of
// capacity, and how many cells the bucket holds at most.
//
// A Quota is an immutable value and safe to share between goroutines.
type Quota struct {
	replenish1Per time.Duration
	maxBurst      uint32
}

// NewQuota builds a quota that replenishes one cell every replenish1Per and
// allows bursts of up to maxBurst cells.
func NewQuota(replenish1Per time.Duration, maxBurst uint32) (Quota, error) {
	if replenish1Per <= 0 {
		return Quota{}, fmt.Errorf("%w: replenish interval %v is not positive", ErrInvalidQuota, replenish1Per)
	}
	if maxBurst == 0 {
		return Quota{}, fmt.Errorf("%w: burst size must be at least 1", ErrInvalidQuota)
	}
	return Quota{replenish1Per: replenish1Per, maxBurst: maxBurst}, nil
}

// PerSecond builds a quota allowing n cells per second, with a burst size
// of n.
func PerSecond(n uint32) (Quota, error) {
	return per(time.Second, n)
}

// PerMinute builds a quota allowing n cells per minute, with a burst size
// of n.
func PerMinute(n uint32) (Quota, error) {
	return per(time.Minute, n)
}

// PerHour builds a quota allowing n cells per hour, with a burst size of n.
func PerHour(n uint32) (Quota, error) {
	return per(time.Hour, n)
}

func per(period time.Duration, n uint32) (Quota, error) {
	if n == 0 {
		return Quota{}, fmt.Errorf("%w: rate must be at least 1 per period", ErrInvalidQuota)
	}
	// Rates above one cell per nanosecond divide down to a zero interval;
	// round up to the smallest representable one.
	interval := period / time.Duration(n)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return NewQuota(interval, n)
}

// Every builds a quota that admits one cell per interval, with no burst
// allowance beyond that single cell.
func Every(interval time.Duration) (Quota, error) {
	return NewQuota(interval, 1)
}

// AllowBurst returns a quota with the same replenishment rate but a
// different burst size.
func (q Quota) AllowBurst(n uint32) (Quota, error) {
	return NewQuota(q.replenish1Per, n)
}

// BurstSize reports the maximum number of cells admissible at the same
// instant.
func (q Quota) BurstSize() uint32 {
	return q.maxBurst
}

// ReplenishInterval reports how long regenerating a single cell of capacity
// takes.
func (q Quota) ReplenishInterval() time.Duration {
	return q.replenish1Per
}

func (q Quota) String() string {
	return fmt.Sprintf("1 per %v (burst %d)", q.replenish1Per, q.maxBurst)
}

// params derives the GCRA tuning pair: t is the time cost of one cell, tau
// the extra tolerance that admits bursts. The mapping is bijective;
// quotaFromParams inverts it exactly.
func (q Quota) params() (t, tau Nanos) {
	t = NanosFromDuration(q.replenish1Per)
	if t == 0 {
		t = 1
	}
	tau = t.Mul(uint64(q.maxBurst - 1))
	return t, tau
}

func quotaFromParams(t, tau Nanos) Quota {
	return Quota{
		replenish1Per: t.Duration(),
		maxBurst:      uint32(uint64(tau)/uint64(t) + 1),
	}
}
