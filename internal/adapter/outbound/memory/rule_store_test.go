// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatecell/gatecell/internal/domain/rule"
)

func testRule(id, name string, priority int) *rule.Rule {
	now := time.Now().UTC()
	return &rule.Rule{
		ID:        id,
		Name:      name,
		Rate:      10,
		Period:    time.Second,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

func TestRuleStore_List_SortsByPriorityThenName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	for _, r := range []*rule.Rule{
		testRule("r1", "zz-low", 10),
		testRule("r2", "checkout", 50),
		testRule("r3", "admin", 50),
	} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) error: %v", r.ID, err)
		}
	}

	rules, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("List() returned %d rules, want 3", len(rules))
	}

	wantOrder := []string{"admin", "checkout", "zz-low"}
	for i, want := range wantOrder {
		if rules[i].Name != want {
			t.Errorf("List()[%d].Name = %q, want %q", i, rules[i].Name, want)
		}
	}
}

func TestRuleStore_List_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	rules, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("List() on empty store returned %d rules, want 0", len(rules))
	}
}

func TestRuleStore_Get(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*MemoryRuleStore)
		ruleID  string
		wantErr error
	}{
		{
			name: "existing rule",
			setup: func(s *MemoryRuleStore) {
				_ = s.Create(context.Background(), testRule("existing", "api", 0))
			},
			ruleID:  "existing",
			wantErr: nil,
		},
		{
			name:    "non-existent rule",
			setup:   func(s *MemoryRuleStore) {},
			ruleID:  "missing",
			wantErr: rule.ErrNotFound,
		},
		{
			name: "disabled rule still retrievable",
			setup: func(s *MemoryRuleStore) {
				r := testRule("disabled", "paused", 0)
				r.Disabled = true
				_ = s.Create(context.Background(), r)
			},
			ruleID:  "disabled",
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := NewRuleStore()
			tt.setup(store)

			got, err := store.Get(ctx, tt.ruleID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
				return
			}
			if tt.wantErr == nil && got == nil {
				t.Error("Get() returned nil for existing rule")
			}
		})
	}
}

func TestRuleStore_Create_Duplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	if err := store.Create(ctx, testRule("dup", "first", 0)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	err := store.Create(ctx, testRule("dup", "second", 0))
	if !errors.Is(err, rule.ErrDuplicateID) {
		t.Errorf("Create() duplicate error = %v, want ErrDuplicateID", err)
	}
}

func TestRuleStore_Update(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	if err := store.Create(ctx, testRule("upd", "original", 0)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	r, err := store.Get(ctx, "upd")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	r.Name = "renamed"
	r.Rate = 99
	if err := store.Update(ctx, r); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	// Caller observes the incremented version.
	if r.Version != 2 {
		t.Errorf("Version after Update = %d, want 2", r.Version)
	}

	got, err := store.Get(ctx, "upd")
	if err != nil {
		t.Fatalf("Get() after update error: %v", err)
	}
	if got.Name != "renamed" || got.Rate != 99 {
		t.Errorf("updated rule = %q/%d, want renamed/99", got.Name, got.Rate)
	}
	if got.Version != 2 {
		t.Errorf("stored Version = %d, want 2", got.Version)
	}
}

func TestRuleStore_Update_VersionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	if err := store.Create(ctx, testRule("vc", "contested", 0)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Two readers load the same version.
	first, _ := store.Get(ctx, "vc")
	second, _ := store.Get(ctx, "vc")

	first.Rate = 11
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first Update() error: %v", err)
	}

	second.Rate = 22
	err := store.Update(ctx, second)
	if !errors.Is(err, rule.ErrVersionConflict) {
		t.Errorf("second Update() error = %v, want ErrVersionConflict", err)
	}

	// The first write wins.
	got, _ := store.Get(ctx, "vc")
	if got.Rate != 11 {
		t.Errorf("Rate after conflict = %d, want 11", got.Rate)
	}
}

func TestRuleStore_Update_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	err := store.Update(ctx, testRule("ghost", "ghost", 0))
	if !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Update() non-existent error = %v, want ErrNotFound", err)
	}
}

func TestRuleStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	if err := store.Create(ctx, testRule("del", "to-delete", 0)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := store.Delete(ctx, "del"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	_, err := store.Get(ctx, "del")
	if !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRuleStore_Delete_NonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	err := store.Delete(ctx, "nonexistent")
	if !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Delete() non-existent error = %v, want ErrNotFound", err)
	}
}

func TestRuleStore_CopyOnReturn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	if err := store.Create(ctx, testRule("copy", "original", 0)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got1, err := store.Get(ctx, "copy")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	got1.Name = "mutated"
	got1.Rate = 12345

	got2, err := store.Get(ctx, "copy")
	if err != nil {
		t.Fatalf("Get() second call error: %v", err)
	}
	if got2.Name == "mutated" || got2.Rate == 12345 {
		t.Error("Store returned reference instead of copy")
	}
}

func TestRuleStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRuleStore()

	for i := 0; i < 10; i++ {
		id := "rule-" + string(rune('0'+i))
		if err := store.Create(ctx, testRule(id, "name-"+id, i)); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 300)

	// 100 goroutines listing rules
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.List(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	// 100 goroutines reading individual rules
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "rule-" + string(rune('0'+(idx%10)))
			if _, err := store.Get(ctx, id); err != nil && !errors.Is(err, rule.ErrNotFound) {
				errCh <- err
			}
		}(i)
	}

	// 50 goroutines creating rules
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "new-rule-" + string(rune('a'+idx))
			if err := store.Create(ctx, testRule(id, "name-"+id, 0)); err != nil {
				errCh <- err
			}
		}(i)
	}

	// 50 goroutines deleting rules
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "rule-" + string(rune('0'+(idx%10)))
			// Ignore error - rule might be deleted by another goroutine
			_ = store.Delete(ctx, id)
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent access error: %v", err)
	}
}
