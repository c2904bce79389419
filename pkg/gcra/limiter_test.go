package gcra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func mustQuota(t *testing.T, q Quota, err error) Quota {
	t.Helper()
	if err != nil {
		t.Fatalf("quota construction failed: %v", err)
	}
	return q
}

func burstQuota(t *testing.T, rate uint32, burst uint32) Quota {
	t.Helper()
	q := mustQuota(t, PerSecond(rate))
	return mustQuota(t, q.AllowBurst(burst))
}

func TestLimiter_SteadyRateAdmission(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(mustQuota(t, PerSecond(1)), WithClock(clock))

	// One cell per second, tested exactly once per second: always allowed.
	for i := 0; i < 5; i++ {
		if i > 0 {
			clock.Advance(time.Second)
		}
		if d := lim.Check(); !d.Allowed {
			t.Fatalf("check at t=%ds denied, want allowed", i)
		}
	}
}

func TestLimiter_SameInstantSecondCellDenied(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(mustQuota(t, PerSecond(1)), WithClock(clock))

	if d := lim.Check(); !d.Allowed {
		t.Fatal("first check denied, want allowed")
	}
	d := lim.Check()
	if d.Allowed {
		t.Fatal("second check at the same instant allowed, want denied")
	}
	if d.NotUntil == nil {
		t.Fatal("denied decision carries no NotUntil")
	}
	if got := d.NotUntil.WaitTimeFrom(clock.Now()); got != time.Second {
		t.Errorf("WaitTimeFrom(t0) = %v, want 1s", got)
	}
}

func TestLimiter_BurstAdmission(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(burstQuota(t, 1, 10), WithClock(clock))

	for i := 0; i < 10; i++ {
		if d := lim.Check(); !d.Allowed {
			t.Fatalf("burst cell %d denied, want allowed", i+1)
		}
	}

	d := lim.Check()
	if d.Allowed {
		t.Fatal("11th cell allowed, want denied")
	}
	if got := d.NotUntil.EarliestPossible(); got != Nanos(time.Second) {
		t.Errorf("EarliestPossible() = %v, want 1s", got)
	}

	// One additional cell becomes admissible per elapsed second.
	clock.Advance(time.Second)
	if d := lim.Check(); !d.Allowed {
		t.Fatal("check after 1s denied, want one replenished cell")
	}
	if d := lim.Check(); d.Allowed {
		t.Fatal("second check after 1s allowed, want denied")
	}
}

func TestLimiter_RemainingBurstCapacityCountsDown(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(burstQuota(t, 1, 10), WithClock(clock))

	for i := 0; i < 10; i++ {
		d := lim.Check()
		if !d.Allowed {
			t.Fatalf("cell %d denied", i+1)
		}
		if got, want := d.Snapshot.RemainingBurstCapacity(), uint64(9-i); got != want {
			t.Errorf("remaining after cell %d = %d, want %d", i+1, got, want)
		}
	}

	d := lim.Check()
	if d.Allowed {
		t.Fatal("11th cell allowed, want denied")
	}
	if got := d.Snapshot.RemainingBurstCapacity(); got != 0 {
		t.Errorf("remaining on denial = %d, want 0", got)
	}
}

func TestLimiter_CheckN_InsufficientCapacity(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(burstQuota(t, 1, 10), WithClock(clock))

	_, err := lim.CheckN(11)
	var ice *InsufficientCapacityError
	if !errors.As(err, &ice) {
		t.Fatalf("CheckN(11) error = %v, want InsufficientCapacityError", err)
	}
	if ice.MaxBatch != 10 {
		t.Errorf("MaxBatch = %d, want 10", ice.MaxBatch)
	}

	// The failed precondition check must not have touched the bucket: the
	// full burst is still admissible.
	d, err := lim.CheckN(10)
	if err != nil {
		t.Fatalf("CheckN(10) error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("CheckN(10) denied after structural failure, want allowed")
	}
}

func TestLimiter_CheckN_ZeroCells(t *testing.T) {
	t.Parallel()

	lim := NewLimiter(mustQuota(t, PerSecond(1)), WithClock(NewFakeClock()))
	if _, err := lim.CheckN(0); !errors.Is(err, ErrZeroBatch) {
		t.Errorf("CheckN(0) error = %v, want ErrZeroBatch", err)
	}
}

func TestLimiter_BatchDenialConsumesNothing(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewLimiter(burstQuota(t, 1, 10), WithClock(clock))

	for i := 0; i < 3; i++ {
		if d := lim.Check(); !d.Allowed {
			t.Fatalf("setup cell %d denied", i+1)
		}
	}

	// 7 cells remain. A batch of 8 must be wholly denied and leave them
	// intact; a batch of 7 then still fits.
	d, err := lim.CheckN(8)
	if err != nil {
		t.Fatalf("CheckN(8) error = %v", err)
	}
	if d.Allowed {
		t.Fatal("CheckN(8) allowed with 7 cells remaining, want denied")
	}

	d, err = lim.CheckN(7)
	if err != nil {
		t.Fatalf("CheckN(7) error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("CheckN(7) denied, want allowed: the denied batch consumed capacity")
	}
}

func TestLimiter_NoConsumptionOnDenial(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	q := mustQuota(t, PerSecond(1))
	lim := NewLimiter(q, WithClock(clock))
	control := NewLimiter(q, WithClock(clock))

	if d := lim.Check(); !d.Allowed {
		t.Fatal("first check denied")
	}
	if d := control.Check(); !d.Allowed {
		t.Fatal("control first check denied")
	}

	// Hammer the exhausted bucket; the control limiter never sees these.
	for i := 0; i < 5; i++ {
		if d := lim.Check(); d.Allowed {
			t.Fatal("check on exhausted bucket allowed")
		}
	}

	clock.Advance(time.Second)
	got, want := lim.Check(), control.Check()
	if !got.Allowed || !want.Allowed {
		t.Fatalf("after 1s: got.Allowed=%v control.Allowed=%v, want both allowed", got.Allowed, want.Allowed)
	}
	if got.Snapshot != want.Snapshot {
		t.Errorf("snapshot after denials = %+v, control = %+v: denials consumed capacity", got.Snapshot, want.Snapshot)
	}
}

// With time frozen, a bucket of burst B admits exactly B cells no matter how
// many goroutines contend, and exactly B more per replenished window.
func TestLimiter_ConcurrentAdmissionBoundedByBurst(t *testing.T) {
	t.Parallel()

	const (
		burst      = 50
		goroutines = 200
	)
	clock := NewFakeClock()
	lim := NewLimiter(burstQuota(t, 50, burst), WithClock(clock))

	countAllowed := func() int {
		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d := lim.Check(); d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		return int(allowed.Load())
	}

	if got := countAllowed(); got != burst {
		t.Errorf("allowed at t=0: %d, want exactly %d", got, burst)
	}

	// One second replenishes rate=50 cells.
	clock.Advance(time.Second)
	if got := countAllowed(); got != 50 {
		t.Errorf("allowed after 1s: %d, want exactly 50", got)
	}
}

func TestKeyedLimiter_KeyIsolation(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewKeyedLimiter(mustQuota(t, PerSecond(1)), WithClock(clock))

	if d := lim.Check("tenant-a"); !d.Allowed {
		t.Fatal("tenant-a first check denied")
	}
	if d := lim.Check("tenant-a"); d.Allowed {
		t.Fatal("tenant-a second check allowed, want denied")
	}
	if d := lim.Check("tenant-b"); !d.Allowed {
		t.Error("tenant-b first check denied: keys are not isolated")
	}
}

func TestKeyedLimiter_ConcurrentPerKeyBurst(t *testing.T) {
	t.Parallel()

	const burst = 10
	clock := NewFakeClock()
	lim := NewKeyedLimiter(burstQuota(t, 1, burst), WithClock(clock))

	var wg sync.WaitGroup
	counts := map[string]*atomic.Int32{"a": {}, "b": {}}
	for key, count := range counts {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(key string, count *atomic.Int32) {
				defer wg.Done()
				if d := lim.Check(key); d.Allowed {
					count.Add(1)
				}
			}(key, count)
		}
	}
	wg.Wait()

	for key, count := range counts {
		if got := count.Load(); got != burst {
			t.Errorf("key %q allowed %d, want exactly %d", key, got, burst)
		}
	}
}

func TestKeyedLimiter_SweepIsInvisible(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	q := mustQuota(t, PerSecond(1))
	lim := NewKeyedLimiter(q, WithClock(clock))
	control := NewKeyedLimiter(q, WithClock(clock))

	for _, key := range []string{"idle-1", "idle-2"} {
		lim.Check(key)
		control.Check(key)
	}
	clock.Advance(2 * time.Second)
	lim.Check("busy")
	control.Check("busy")

	if got := lim.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if dropped := lim.SweepIdle(); dropped != 2 {
		t.Errorf("SweepIdle() = %d, want 2 idle keys dropped", dropped)
	}
	if got := lim.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}

	// A swept idle key must behave exactly like the unswept control.
	got, want := lim.Check("idle-1"), control.Check("idle-1")
	if got.Allowed != want.Allowed || got.Snapshot != want.Snapshot {
		t.Errorf("post-sweep decision %+v differs from control %+v", got, want)
	}
}

func TestKeyedLimiter_SweepIdleFor(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	lim := NewKeyedLimiter(mustQuota(t, PerSecond(1)), WithClock(clock))

	lim.Check("k")
	clock.Advance(2 * time.Second)

	// The key replenished at 1s, so it has been idle for 1s. An age longer
	// than that must keep it, a shorter one must drop it.
	if dropped := lim.SweepIdleFor(5 * time.Second); dropped != 0 {
		t.Errorf("SweepIdleFor(5s) = %d, want 0: key idle for only 1s", dropped)
	}
	if got := lim.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after no-op sweep", got)
	}
	if dropped := lim.SweepIdleFor(500 * time.Millisecond); dropped != 1 {
		t.Errorf("SweepIdleFor(500ms) = %d, want 1", dropped)
	}
	if got := lim.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 after sweep", got)
	}
}

func TestKeyedLimiter_NonSweepableStore(t *testing.T) {
	t.Parallel()

	lim := NewKeyedLimiter(mustQuota(t, PerSecond(10)),
		WithClock(NewFakeClock()),
		WithStore(NewAtomicState()))

	if d := lim.Check("any"); !d.Allowed {
		t.Fatal("check through custom store denied")
	}
	if got := lim.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 for a store without maintenance", got)
	}
	if got := lim.SweepIdle(); got != 0 {
		t.Errorf("SweepIdle() = %d, want 0 for a store without maintenance", got)
	}
}

func TestKeyedLimiter_CleanupLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	lim := NewKeyedLimiter(mustQuota(t, PerSecond(1000)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lim.StartCleanup(ctx, 20*time.Millisecond)
	defer lim.Stop()

	for _, key := range []string{"a", "b", "c"} {
		lim.Check(key)
	}
	if got := lim.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// The buckets replenish within a few milliseconds; a couple of sweep
	// cycles later they must be gone.
	deadline := time.Now().Add(2 * time.Second)
	for lim.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := lim.Len(); got != 0 {
		t.Errorf("Len() = %d after cleanup window, want 0", got)
	}
}

func TestKeyedLimiter_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	lim := NewKeyedLimiter(mustQuota(t, PerSecond(10)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lim.StartCleanup(ctx, 10*time.Millisecond)

	lim.Stop()
	lim.Stop()
	lim.Stop()
}

func TestKeyedLimiter_StopWithoutStart(t *testing.T) {
	t.Parallel()

	lim := NewKeyedLimiter(mustQuota(t, PerSecond(10)))
	lim.Stop()
}

func TestKeyedLimiter_CleanupStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	lim := NewKeyedLimiter(mustQuota(t, PerSecond(10)))
	ctx, cancel := context.WithCancel(context.Background())

	lim.StartCleanup(ctx, 10*time.Millisecond)
	lim.Check("key")

	cancel()
	lim.Stop()
}

func TestLimiter_WaitPacesToQuota(t *testing.T) {
	t.Parallel()

	// One cell per 20ms, burst 1: three sequential waits need two
	// replenishment intervals.
	lim := NewLimiter(mustQuota(t, Every(20*time.Millisecond)))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := lim.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 40*time.Millisecond {
		t.Errorf("three waits finished in %v, want at least 40ms of pacing", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("three waits took %v, far beyond the expected pace", elapsed)
	}
}

func TestLimiter_WaitHonorsContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	lim := NewLimiter(mustQuota(t, Every(time.Hour)))
	if err := lim.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := lim.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestLimiter_WaitNStructuralErrorReturnsImmediately(t *testing.T) {
	t.Parallel()

	lim := NewLimiter(burstQuota(t, 1, 10))

	start := time.Now()
	_, errAs := lim.CheckN(11)
	err := lim.WaitN(context.Background(), 11)
	if time.Since(start) > time.Second {
		t.Error("WaitN blocked on a structurally impossible batch")
	}

	var ice *InsufficientCapacityError
	if !errors.As(err, &ice) {
		t.Errorf("WaitN error = %v, want InsufficientCapacityError", err)
	}
	if !errors.As(errAs, &ice) {
		t.Errorf("CheckN error = %v, want InsufficientCapacityError", errAs)
	}
	if err := lim.WaitN(context.Background(), 0); !errors.Is(err, ErrZeroBatch) {
		t.Errorf("WaitN(0) error = %v, want ErrZeroBatch", err)
	}
}

func TestLimiter_WaitWithJitterStillAdmits(t *testing.T) {
	t.Parallel()

	jitter := NewJitterWithSource(0, 5*time.Millisecond, func() float64 { return 0.5 })
	lim := NewLimiter(mustQuota(t, Every(10*time.Millisecond)), WithJitter(jitter))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := lim.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("jittered waits took %v, want between 20ms and 2s", elapsed)
	}
}

func TestKeyedLimiter_WaitPerKey(t *testing.T) {
	t.Parallel()

	lim := NewKeyedLimiter(mustQuota(t, Every(time.Hour)))

	// Independent keys each get their burst cell without waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range []string{"a", "b", "c"} {
		if err := lim.Wait(ctx, key); err != nil {
			t.Fatalf("Wait(%q) error = %v", key, err)
		}
	}

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	if err := lim.Wait(short, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait on exhausted key error = %v, want DeadlineExceeded", err)
	}
}

func TestSnapshot_QuotaAndResetAfter(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	q := mustQuota(t, mustQuota(t, Every(100*time.Millisecond)).AllowBurst(3))
	lim := NewLimiter(q, WithClock(clock))

	d := lim.Check()
	if !d.Allowed {
		t.Fatal("first check denied")
	}
	if got := d.Snapshot.Quota(); got != q {
		t.Errorf("Snapshot.Quota() = %v, want %v", got, q)
	}
	if got := d.Snapshot.ResetAfter(); got != 100*time.Millisecond {
		t.Errorf("ResetAfter() after one cell = %v, want 100ms", got)
	}

	lim.Check()
	d = lim.Check()
	if got := d.Snapshot.ResetAfter(); got != 300*time.Millisecond {
		t.Errorf("ResetAfter() with full bucket = %v, want 300ms", got)
	}

	d = lim.Check()
	if d.Allowed {
		t.Fatal("4th check allowed, want denied")
	}
	if got := d.Snapshot.ResetAfter(); got != 0 {
		t.Errorf("ResetAfter() on denial = %v, want 0", got)
	}
}

func TestLimiter_QuotaAccessors(t *testing.T) {
	t.Parallel()

	q := burstQuota(t, 5, 20)
	if got := NewLimiter(q, WithClock(NewFakeClock())).Quota(); got != q {
		t.Errorf("Limiter.Quota() = %v, want %v", got, q)
	}
	if got := NewKeyedLimiter(q, WithClock(NewFakeClock())).Quota(); got != q {
		t.Errorf("KeyedLimiter.Quota() = %v, want %v", got, q)
	}
}
