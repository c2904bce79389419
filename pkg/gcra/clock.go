package gcra

import (
	"sync/atomic"
	"time"
)

// Clock supplies the reference instant admission tests run against, as a
// monotonically non-decreasing Nanos since an epoch the clock chooses.
type Clock interface {
	Now() Nanos
}

// processEpoch anchors SystemClock readings. time.Since uses the monotonic
// reading, so wall clock adjustments never move limiter time backwards.
var processEpoch = time.Now()

// SystemClock reads the process monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() Nanos {
	return NanosFromDuration(time.Since(processEpoch))
}

// FakeClock is a manually advanced clock for deterministic tests. Safe for
// concurrent use.
type FakeClock struct {
	now atomic.Uint64
}

// NewFakeClock returns a clock reading zero.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

func (c *FakeClock) Now() Nanos {
	return Nanos(c.now.Load())
}

// Advance moves the clock forward. Negative durations are ignored.
func (c *FakeClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.now.Add(uint64(d))
}

// Set moves the clock to an absolute reading.
func (c *FakeClock) Set(n Nanos) {
	c.now.Store(uint64(n))
}

var (
	_ Clock = SystemClock{}
	_ Clock = (*FakeClock)(nil)
)
