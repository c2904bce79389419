package gcra

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// StateStore holds per-key limiter state and applies atomic
// read-transform-commit updates to it.
//
// Implementations must make updates to a single key linearizable: between
// observing the old state and committing the new one, no other update for
// the same key may both observe the pre-commit value and commit. Updates to
// different keys must not block each other. When a commit race is lost the
// closure is invoked again with the freshly observed state, so it must be
// pure. The store always commits the state the closure returns; denials
// return the observed state unchanged, which makes the commit a no-op.
type StateStore interface {
	MeasureAndReplace(key string, f func(tat Nanos, found bool) (Nanos, Decision)) Decision
}

// SweepableStateStore is implemented by keyed stores that can report and
// trim their entry count.
type SweepableStateStore interface {
	StateStore

	// Len reports the number of tracked keys.
	Len() int

	// Sweep drops entries whose state is below the cutoff and reports how
	// many were dropped. An entry with tat at or below the current time
	// behaves identically to an absent one, so sweeping with the current
	// time as cutoff never changes limiter behavior.
	Sweep(cutoff Nanos) int
}

// AtomicState is a single-cell store: one state slot updated by a
// compare-and-swap loop, no locks. It backs the direct (un-keyed) limiter
// and ignores the key argument.
//
// The zero slot value means "no state": real states are always at least one
// cell cost, which is at least one nanosecond.
type AtomicState struct {
	tat atomic.Uint64
}

// NewAtomicState returns an empty single-cell store.
func NewAtomicState() *AtomicState {
	return &AtomicState{}
}

func (s *AtomicState) MeasureAndReplace(_ string, f func(tat Nanos, found bool) (Nanos, Decision)) Decision {
	for {
		prev := s.tat.Load()
		next, d := f(Nanos(prev), prev != 0)
		if uint64(next) == prev {
			return d
		}
		if s.tat.CompareAndSwap(prev, uint64(next)) {
			return d
		}
	}
}

var _ StateStore = (*AtomicState)(nil)

// stateShards must be a power of two so the hash can be masked instead of
// divided.
const stateShards = 64

// ShardedState is a keyed store: a fixed array of mutex-guarded maps,
// sharded by key hash. Critical sections cover a single map access, and
// keys in different shards never contend.
type ShardedState struct {
	shards [stateShards]stateShard
}

type stateShard struct {
	mu   sync.Mutex
	tats map[string]Nanos
}

// NewShardedState returns an empty keyed store.
func NewShardedState() *ShardedState {
	s := &ShardedState{}
	for i := range s.shards {
		s.shards[i].tats = make(map[string]Nanos)
	}
	return s
}

func (s *ShardedState) shard(key string) *stateShard {
	return &s.shards[xxhash.Sum64String(key)&(stateShards-1)]
}

func (s *ShardedState) MeasureAndReplace(key string, f func(tat Nanos, found bool) (Nanos, Decision)) Decision {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, found := sh.tats[key]
	next, d := f(prev, found)
	sh.tats[key] = next
	return d
}

// Len reports the number of tracked keys across all shards.
func (s *ShardedState) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.tats)
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops entries whose tat is below the cutoff.
func (s *ShardedState) Sweep(cutoff Nanos) int {
	dropped := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, tat := range sh.tats {
			if tat < cutoff {
				delete(sh.tats, key)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

var _ SweepableStateStore = (*ShardedState)(nil)
