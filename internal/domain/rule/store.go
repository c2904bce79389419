package rule

import "context"

// Store is the outbound port for rule persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns all rules, including disabled ones.
	List(ctx context.Context) ([]Rule, error)

	// Get returns a rule by ID.
	// Returns ErrNotFound if the rule does not exist.
	Get(ctx context.Context, id string) (*Rule, error)

	// Create stores a new rule.
	// Returns ErrDuplicateID if a rule with the same ID exists.
	Create(ctx context.Context, r *Rule) error

	// Update replaces an existing rule. The stored version must match
	// r.Version; on success the stored version is incremented.
	// Returns ErrNotFound or ErrVersionConflict.
	Update(ctx context.Context, r *Rule) error

	// Delete removes a rule by ID.
	// Returns ErrNotFound if the rule does not exist.
	Delete(ctx context.Context, id string) error
}
