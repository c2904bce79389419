package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatecell/gatecell/internal/adapter/outbound/state"
	"github.com/gatecell/gatecell/internal/config"
	"github.com/gatecell/gatecell/internal/domain/rule"
)

// ErrDuplicateName is returned when creating or renaming a rule to a name
// another rule already uses. Names key metrics and state entries, so they
// must stay unique.
var ErrDuplicateName = errors.New("rule name already exists")

// RuleService provides CRUD operations on admission rules with validation,
// persistence to state.json, and a snapshot rebuild after every mutation.
type RuleService struct {
	store      rule.Store
	stateStore *state.FileStateStore // nil when the backend persists itself
	admission  *AdmissionService
	logger     *slog.Logger
	mu         sync.Mutex // serializes state writes
}

// NewRuleService creates a new RuleService. stateStore may be nil when the
// rule store persists rules itself (the sqlite backend).
func NewRuleService(store rule.Store, stateStore *state.FileStateStore, admission *AdmissionService, logger *slog.Logger) *RuleService {
	return &RuleService{
		store:      store,
		stateStore: stateStore,
		admission:  admission,
		logger:     logger,
	}
}

// List returns all rules, including disabled ones.
func (s *RuleService) List(ctx context.Context) ([]rule.Rule, error) {
	return s.store.List(ctx)
}

// Get returns a single rule by ID.
// Returns rule.ErrNotFound if the rule does not exist.
func (s *RuleService) Get(ctx context.Context, id string) (*rule.Rule, error) {
	return s.store.Get(ctx, id)
}

// Create stores a new rule under a generated ID, persists state, and
// reloads the compiled rule set. The returned rule is the stored copy.
func (s *RuleService) Create(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	if err := s.checkNameFree(ctx, r.Name, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Version = 1

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	if err := s.admission.ValidateRule(r); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}

	if err := s.finishMutation(ctx, "create", r.ID); err != nil {
		return nil, err
	}

	s.logger.Info("rule created", "id", r.ID, "name", r.Name)
	return s.store.Get(ctx, r.ID)
}

// Update replaces an existing rule. ID and CreatedAt are preserved. A zero
// r.Version updates unconditionally; a non-zero one must match the stored
// version or the update fails with rule.ErrVersionConflict.
func (s *RuleService) Update(ctx context.Context, id string, r *rule.Rule) (*rule.Rule, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.checkNameFree(ctx, r.Name, id); err != nil {
		return nil, err
	}

	r.ID = id
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	if r.Version == 0 {
		r.Version = existing.Version
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	if err := s.admission.ValidateRule(r); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}

	if err := s.finishMutation(ctx, "update", id); err != nil {
		return nil, err
	}

	s.logger.Info("rule updated", "id", id, "name", r.Name, "version", r.Version)
	return s.store.Get(ctx, id)
}

// Delete removes a rule, persists state, and reloads the compiled rule set.
// Returns rule.ErrNotFound if the rule does not exist.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.finishMutation(ctx, "delete", id); err != nil {
		return err
	}

	s.logger.Info("rule deleted", "id", id)
	return nil
}

// Seed creates seed rules from config, skipping names already in the store.
// Boot loads state.json before seeding, so a seeded rule that was later
// edited through the admin API keeps its edited form across restarts.
// Returns the number of rules created.
func (s *RuleService) Seed(ctx context.Context, seeds []config.RuleConfig) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}

	existing, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for i := range existing {
		names[existing[i].Name] = true
	}

	now := time.Now().UTC()
	created := 0
	for _, seed := range seeds {
		if names[seed.Name] {
			continue
		}

		period, err := time.ParseDuration(seed.Period)
		if err != nil {
			return created, fmt.Errorf("seed rule %q: parse period: %w", seed.Name, err)
		}
		r := &rule.Rule{
			ID:        uuid.New().String(),
			Name:      seed.Name,
			Match:     seed.Match,
			KeyBy:     seed.KeyBy,
			Rate:      seed.Rate,
			Period:    period,
			Burst:     seed.Burst,
			Priority:  seed.Priority,
			Disabled:  seed.Disabled,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
		if err := r.Validate(); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", seed.Name, err)
		}
		if err := s.admission.ValidateRule(r); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", seed.Name, err)
		}
		if err := s.store.Create(ctx, r); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", seed.Name, err)
		}
		names[seed.Name] = true
		created++
	}

	if created == 0 {
		return 0, nil
	}
	if err := s.finishMutation(ctx, "seed", ""); err != nil {
		return created, err
	}

	s.logger.Info("seeded rules", "created", created, "skipped", len(seeds)-created)
	return created, nil
}

// LoadFromState loads previously persisted rules into the store. Invalid
// entries are logged and skipped so one bad entry cannot block boot.
// Returns the number of rules loaded.
func (s *RuleService) LoadFromState(ctx context.Context, appState *state.AppState) (int, error) {
	if appState == nil || len(appState.Rules) == 0 {
		return 0, nil
	}

	loaded := 0
	for _, e := range appState.Rules {
		r, err := ruleFromEntry(e)
		if err == nil {
			err = r.Validate()
		}
		if err == nil {
			err = s.admission.ValidateRule(r)
		}
		if err != nil {
			s.logger.Error("skipping state rule", "name", e.Name, "error", err)
			continue
		}
		if err := s.store.Create(ctx, r); err != nil {
			s.logger.Error("failed to load state rule", "name", e.Name, "error", err)
			continue
		}
		loaded++
	}

	if loaded == 0 {
		return 0, nil
	}
	if err := s.admission.Reload(ctx); err != nil {
		return loaded, fmt.Errorf("reload after loading state rules: %w", err)
	}

	s.logger.Info("loaded rules from state", "count", loaded)
	return loaded, nil
}

// checkNameFree verifies no rule other than excludeID uses name.
func (s *RuleService) checkNameFree(ctx context.Context, name, excludeID string) error {
	if name == "" {
		return errors.New("rule name is required")
	}
	rules, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	for i := range rules {
		if rules[i].Name == name && rules[i].ID != excludeID {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	return nil
}

// finishMutation persists the store contents to state.json and hot-reloads
// the compiled rule set. Called after every successful store mutation.
func (s *RuleService) finishMutation(ctx context.Context, op, id string) error {
	if err := s.persistState(ctx); err != nil {
		s.logger.Error("failed to persist state after "+op, "rule_id", id, "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.admission.Reload(ctx); err != nil {
		s.logger.Error("failed to reload rules after "+op, "rule_id", id, "error", err)
		return fmt.Errorf("reload rules: %w", err)
	}
	return nil
}

// persistState mirrors the current store contents into state.json. A nil
// stateStore (sqlite backend) makes this a no-op.
func (s *RuleService) persistState(ctx context.Context) error {
	if s.stateStore == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list rules for persistence: %w", err)
	}

	entries := make([]state.RuleEntry, 0, len(rules))
	for i := range rules {
		entries = append(entries, entryFromRule(&rules[i]))
	}

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state for persistence: %w", err)
	}
	appState.Rules = entries

	if err := s.stateStore.Save(appState); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ruleFromEntry converts a persisted state entry to a domain rule.
func ruleFromEntry(e state.RuleEntry) (*rule.Rule, error) {
	period, err := time.ParseDuration(e.Period)
	if err != nil {
		return nil, fmt.Errorf("parse period: %w", err)
	}
	return &rule.Rule{
		ID:        e.ID,
		Name:      e.Name,
		Match:     e.Match,
		KeyBy:     e.KeyBy,
		Rate:      e.Rate,
		Period:    period,
		Burst:     e.Burst,
		Priority:  e.Priority,
		Disabled:  e.Disabled,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Version:   e.Version,
	}, nil
}

// entryFromRule converts a domain rule to its persisted form.
func entryFromRule(r *rule.Rule) state.RuleEntry {
	return state.RuleEntry{
		ID:        r.ID,
		Name:      r.Name,
		Match:     r.Match,
		KeyBy:     r.KeyBy,
		Rate:      r.Rate,
		Period:    r.Period.String(),
		Burst:     r.Burst,
		Priority:  r.Priority,
		Disabled:  r.Disabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Version:   r.Version,
	}
}
