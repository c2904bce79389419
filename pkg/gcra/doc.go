// Package gcra implements rate limiting with the Generic Cell Rate
// Algorithm.
//
// GCRA keeps a single scalar per key, the theoretical arrival time ("tat"):
// the instant at which the bucket would be empty again if nothing further
// arrived. Admitting a cell advances it by the cell's time cost; a burst
// tolerance derived from the quota's burst size allows arrivals to run ahead
// of it. Denials never consume capacity. All time arithmetic saturates, so a
// limiter can run for the life of a process without overflow.
//
// # Usage
//
// Direct (single bucket) limiting:
//
//	quota, _ := gcra.PerSecond(50)
//	lim := gcra.NewLimiter(quota)
//	if d := lim.Check(); !d.Allowed {
//		return fmt.Errorf("slow down, retry in %v", d.NotUntil.WaitTime())
//	}
//
// Keyed limiting, one bucket per client:
//
//	quota, _ := gcra.PerMinute(600)
//	lim := gcra.NewKeyedLimiter(quota)
//	lim.StartCleanup(ctx, 5*time.Minute)
//	defer lim.Stop()
//
//	d := lim.Check(clientID)
//
// Blocking admission with jittered retries:
//
//	lim := gcra.NewLimiter(quota, gcra.WithJitter(gcra.JitterUpTo(20*time.Millisecond)))
//	if err := lim.Wait(ctx); err != nil {
//		return err
//	}
//
// Batches are admitted all-or-nothing: CheckN(n) either accounts for all n
// cells or for none, and a batch larger than the bucket can ever hold fails
// with InsufficientCapacityError before any state is touched.
//
// # Concurrency
//
// Every decision is a synchronous, bounded-time computation: arithmetic plus
// one atomic update of the backing store, retried if a commit race is lost.
// Updates to one key are linearizable; different keys never block each
// other. Nothing in this package queues waiters; Wait is a retry loop over
// Check plus a sleep for the advisory wait time.
package gcra
