package gcra

import (
	"math"
	"time"
)

// Nanos is a duration in nanoseconds since an arbitrary reference instant.
//
// All arithmetic on Nanos saturates: subtraction stops at zero, addition and
// multiplication stop at the maximum representable value. No operation can
// panic or wrap, which matters for limiter state that lives as long as the
// process does.
type Nanos uint64

// NanosFromDuration converts a standard duration. Negative durations clamp
// to zero.
func NanosFromDuration(d time.Duration) Nanos {
	if d < 0 {
		return 0
	}
	return Nanos(d)
}

// Add returns n+o, saturating at the maximum representable value.
func (n Nanos) Add(o Nanos) Nanos {
	sum := n + o
	if sum < n {
		return Nanos(math.MaxUint64)
	}
	return sum
}

// Sub returns n-o, saturating at zero.
func (n Nanos) Sub(o Nanos) Nanos {
	if o > n {
		return 0
	}
	return n - o
}

// Mul returns n*k, saturating at the maximum representable value.
func (n Nanos) Mul(k uint64) Nanos {
	if n == 0 || k == 0 {
		return 0
	}
	prod := uint64(n) * k
	if prod/uint64(n) != k {
		return Nanos(math.MaxUint64)
	}
	return Nanos(prod)
}

// Min returns the smaller of n and o.
func (n Nanos) Min(o Nanos) Nanos {
	if o < n {
		return o
	}
	return n
}

// Duration converts back to a standard duration. Values beyond the int64
// range cap at the maximum duration.
func (n Nanos) Duration() time.Duration {
	if n > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n)
}

func (n Nanos) String() string {
	return n.Duration().String()
}
