package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gatecell/gatecell/internal/domain/rule"
)

// MemoryRuleStore implements rule.Store with an in-memory map.
// Thread-safe for concurrent access. Rules managed through this store
// survive restarts only when the caller persists them to state.json.
type MemoryRuleStore struct {
	rules map[string]*rule.Rule // ID -> Rule
	mu    sync.RWMutex
}

// NewRuleStore creates a new in-memory rule store.
func NewRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules: make(map[string]*rule.Rule),
	}
}

// List returns all rules sorted by priority (highest first), name as
// tie-breaker so the order is stable across calls.
func (s *MemoryRuleStore) List(ctx context.Context) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rule.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		// Return a copy to prevent mutation
		result = append(result, *r.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Get returns a rule by ID.
// Returns rule.ErrNotFound if the rule doesn't exist.
func (s *MemoryRuleStore) Get(ctx context.Context, id string) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, rule.ErrNotFound
	}

	// Return a copy to prevent mutation
	return r.Clone(), nil
}

// Create adds a new rule.
// Returns rule.ErrDuplicateID if a rule with the same ID already exists.
func (s *MemoryRuleStore) Create(ctx context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; ok {
		return rule.ErrDuplicateID
	}

	// Store a copy to prevent external mutation
	s.rules[r.ID] = r.Clone()
	return nil
}

// Update replaces a stored rule using optimistic concurrency: the stored
// version must match r.Version. On success the version is incremented and
// written back to r so the caller observes the new version.
// Returns rule.ErrNotFound if the rule doesn't exist and
// rule.ErrVersionConflict if another writer got there first.
func (s *MemoryRuleStore) Update(ctx context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[r.ID]
	if !ok {
		return rule.ErrNotFound
	}
	if current.Version != r.Version {
		return rule.ErrVersionConflict
	}

	r.Version++
	s.rules[r.ID] = r.Clone()
	return nil
}

// Delete removes a rule by ID.
// Returns rule.ErrNotFound if the rule doesn't exist.
func (s *MemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return rule.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// Compile-time interface verification.
var _ rule.Store = (*MemoryRuleStore)(nil)
