package gcra

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Option configures a Limiter or KeyedLimiter.
type Option func(*options)

type options struct {
	clock  Clock
	store  StateStore
	mw     Middleware
	jitter Jitter
}

// WithClock replaces the system clock, usually with a FakeClock in tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore replaces the default backing store.
func WithStore(s StateStore) Option {
	return func(o *options) { o.store = s }
}

// WithMiddleware sets the policy that annotates decisions.
func WithMiddleware(mw Middleware) Option {
	return func(o *options) { o.mw = mw }
}

// WithJitter sets the retry jitter used by Wait.
func WithJitter(j Jitter) Option {
	return func(o *options) { o.jitter = j }
}

func buildOptions(opts []Option) options {
	o := options{clock: SystemClock{}, mw: NopMiddleware{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Limiter is a direct rate limiter: one bucket, no keys. The default store
// is a single lock-free cell.
//
// All methods are safe for concurrent use. Check never blocks; Wait blocks
// until admitted or the context ends.
type Limiter struct {
	gcra   gcra
	quota  Quota
	store  StateStore
	clock  Clock
	mw     Middleware
	jitter Jitter
	start  Nanos
}

// NewLimiter builds a direct limiter for the quota.
func NewLimiter(q Quota, opts ...Option) *Limiter {
	o := buildOptions(opts)
	if o.store == nil {
		o.store = NewAtomicState()
	}
	return &Limiter{
		gcra:   newGcra(q),
		quota:  q,
		store:  o.store,
		clock:  o.clock,
		mw:     o.mw,
		jitter: o.jitter,
		start:  o.clock.Now(),
	}
}

// Quota returns the configured quota.
func (l *Limiter) Quota() Quota {
	return l.quota
}

// Check tests a single cell against the bucket.
func (l *Limiter) Check() Decision {
	d := l.gcra.testAndUpdate(l.start, "", l.store, l.clock.Now())
	return finishDecision(d, "", l.start, l.clock, l.mw)
}

// CheckN tests a batch of n cells, admitting all of them or none. The error
// is ErrZeroBatch or an InsufficientCapacityError for batches that could
// never fit; an ordinary denial is a Decision with Allowed false.
func (l *Limiter) CheckN(n uint64) (Decision, error) {
	d, err := l.gcra.testNAllAndUpdate(l.start, "", n, l.store, l.clock.Now())
	if err != nil {
		return Decision{}, err
	}
	return finishDecision(d, "", l.start, l.clock, l.mw), nil
}

// Wait blocks until one cell is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN blocks until all n cells are admitted at once or ctx ends.
// Structural errors from CheckN return immediately.
func (l *Limiter) WaitN(ctx context.Context, n uint64) error {
	return waitLoop(ctx, l.clock, l.jitter, func() (Decision, error) {
		return l.CheckN(n)
	})
}

// KeyedLimiter applies one quota independently per string key. The default
// store shards keys across mutex-guarded maps; state for a key is created on
// first use and can be dropped again by the sweeper once idle.
type KeyedLimiter struct {
	gcra   gcra
	quota  Quota
	store  StateStore
	clock  Clock
	mw     Middleware
	jitter Jitter
	start  Nanos

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewKeyedLimiter builds a keyed limiter for the quota.
func NewKeyedLimiter(q Quota, opts ...Option) *KeyedLimiter {
	o := buildOptions(opts)
	if o.store == nil {
		o.store = NewShardedState()
	}
	return &KeyedLimiter{
		gcra:     newGcra(q),
		quota:    q,
		store:    o.store,
		clock:    o.clock,
		mw:       o.mw,
		jitter:   o.jitter,
		start:    o.clock.Now(),
		stopChan: make(chan struct{}),
	}
}

// Quota returns the configured quota.
func (l *KeyedLimiter) Quota() Quota {
	return l.quota
}

// Check tests a single cell against key's bucket.
func (l *KeyedLimiter) Check(key string) Decision {
	d := l.gcra.testAndUpdate(l.start, key, l.store, l.clock.Now())
	return finishDecision(d, key, l.start, l.clock, l.mw)
}

// CheckN tests a batch of n cells against key's bucket, admitting all or
// none. See Limiter.CheckN for the error contract.
func (l *KeyedLimiter) CheckN(key string, n uint64) (Decision, error) {
	d, err := l.gcra.testNAllAndUpdate(l.start, key, n, l.store, l.clock.Now())
	if err != nil {
		return Decision{}, err
	}
	return finishDecision(d, key, l.start, l.clock, l.mw), nil
}

// Wait blocks until one cell is admitted for key or ctx ends.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.WaitN(ctx, key, 1)
}

// WaitN blocks until all n cells are admitted for key at once or ctx ends.
func (l *KeyedLimiter) WaitN(ctx context.Context, key string, n uint64) error {
	return waitLoop(ctx, l.clock, l.jitter, func() (Decision, error) {
		return l.CheckN(key, n)
	})
}

// Len reports the number of tracked keys, or zero when the store cannot
// count them.
func (l *KeyedLimiter) Len() int {
	if s, ok := l.store.(SweepableStateStore); ok {
		return s.Len()
	}
	return 0
}

// SweepIdle drops state for keys whose buckets have fully replenished. Such
// keys behave exactly like never-seen ones, so sweeping is invisible to
// callers. Returns the number of dropped keys, zero when the store cannot
// sweep.
func (l *KeyedLimiter) SweepIdle() int {
	return l.SweepIdleFor(0)
}

// SweepIdleFor drops state only for keys that have been fully replenished
// for at least age, keeping recently active keys allocated. Like SweepIdle
// it is invisible to callers and returns the number of dropped keys.
func (l *KeyedLimiter) SweepIdleFor(age time.Duration) int {
	s, ok := l.store.(SweepableStateStore)
	if !ok {
		return 0
	}
	cutoff := l.clock.Now().Sub(l.start).Sub(NanosFromDuration(age))
	return s.Sweep(cutoff)
}

// StartCleanup starts the background sweeper goroutine, sweeping idle keys
// every interval. It stops when ctx is cancelled or Stop is called.
func (l *KeyedLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				if dropped := l.SweepIdle(); dropped > 0 {
					slog.Debug("swept idle rate limiter keys",
						"dropped", dropped,
						"remaining", l.Len())
				}
			}
		}
	}()
}

// Stop stops the sweeper goroutine and waits for it to exit. Safe to call
// multiple times, and safe without a prior StartCleanup.
func (l *KeyedLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

func finishDecision(d Decision, key string, start Nanos, clock Clock, mw Middleware) Decision {
	if d.Allowed {
		d.Annotation = mw.Allow(key, d.Snapshot)
		return d
	}
	d.NotUntil = &NotUntil{snapshot: d.Snapshot, start: start, clock: clock}
	d.Annotation = mw.Disallow(key, d.Snapshot, start)
	return d
}

func waitLoop(ctx context.Context, clock Clock, jitter Jitter, attempt func() (Decision, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := attempt()
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		if err := sleepFor(ctx, d.NotUntil.WaitTimeWithJitter(clock.Now(), jitter)); err != nil {
			return err
		}
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
