package gcra

// Middleware customizes what a decision carries back to the caller, without
// the engine knowing anything about the attached type.
//
// Hooks run exactly once per committed decision, after the state store has
// accepted the transition, so implementations may have side effects (metrics,
// logging) even though the store's update closure can be re-run under
// contention.
type Middleware interface {
	// Allow is called for every admitted cell or batch; its return value
	// becomes the decision's Annotation.
	Allow(key string, s Snapshot) any

	// Disallow is called for every denial. start is the limiter's reference
	// instant, the zero point of the snapshot's time values.
	Disallow(key string, s Snapshot, start Nanos) any
}

// NopMiddleware attaches nothing to decisions. It is the default.
type NopMiddleware struct{}

func (NopMiddleware) Allow(string, Snapshot) any { return nil }

func (NopMiddleware) Disallow(string, Snapshot, Nanos) any { return nil }

// SnapshotMiddleware passes the decision snapshot through as the annotation.
type SnapshotMiddleware struct{}

func (SnapshotMiddleware) Allow(_ string, s Snapshot) any { return s }

func (SnapshotMiddleware) Disallow(_ string, s Snapshot, _ Nanos) any { return s }

var (
	_ Middleware = NopMiddleware{}
	_ Middleware = SnapshotMiddleware{}
)
