package gcra

import (
	"math/rand"
	"time"
)

// Jitter adds a bounded random offset to retry instants so that many denied
// callers do not wake simultaneously. The zero value applies no offset.
type Jitter struct {
	min      time.Duration
	interval time.Duration
	source   func() float64
}

// NewJitter returns a jitter drawing offsets from [min, min+interval).
func NewJitter(min, interval time.Duration) Jitter {
	return Jitter{min: min, interval: interval}
}

// JitterUpTo returns a jitter drawing offsets from [0, max).
func JitterUpTo(max time.Duration) Jitter {
	return Jitter{interval: max}
}

// NewJitterWithSource is NewJitter with an explicit randomness source
// returning values in [0, 1). Used by deterministic tests.
func NewJitterWithSource(min, interval time.Duration, source func() float64) Jitter {
	return Jitter{min: min, interval: interval, source: source}
}

// Apply adds an offset drawn from the jitter's range to n.
func (j Jitter) Apply(n Nanos) Nanos {
	off := j.min
	if off < 0 {
		off = 0
	}
	if j.interval > 0 {
		src := j.source
		if src == nil {
			src = rand.Float64
		}
		off += time.Duration(src() * float64(j.interval))
	}
	if off <= 0 {
		return n
	}
	return n.Add(NanosFromDuration(off))
}
