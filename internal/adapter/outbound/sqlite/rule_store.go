// Package sqlite persists admission rules in a SQLite database using the
// pure-Go modernc.org/sqlite driver. Timestamps are stored as integer Unix
// nanoseconds so no driver-specific time formatting is involved.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/gatecell/gatecell/internal/domain/rule"
)

const createRulesTableSQL = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    match_expr TEXT NOT NULL DEFAULT '',
    key_by TEXT NOT NULL DEFAULT '',
    rate INTEGER NOT NULL,
    period_ns INTEGER NOT NULL,
    burst INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    disabled INTEGER NOT NULL DEFAULT 0,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority);
`

// RuleStore is a SQLite-backed implementation of rule.Store.
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore opens (or creates) the database at path and initializes the
// schema. The connection runs in WAL mode with the given busy timeout so a
// concurrently running CLI invocation does not fail immediately on a lock.
func NewRuleStore(path string, busyTimeout time.Duration) (*RuleStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a database path")
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single connection serializes writers; WAL still allows readers.
	db.SetMaxOpenConns(1)

	s := &RuleStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the necessary tables.
func (s *RuleStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createRulesTableSQL); err != nil {
		return fmt.Errorf("failed to create rules table: %w", err)
	}
	return nil
}

// List returns all rules sorted by priority (highest first), name as
// tie-breaker so the order is stable across calls.
func (s *RuleStore) List(ctx context.Context) ([]rule.Rule, error) {
	query := `SELECT id, name, match_expr, key_by, rate, period_ns, burst, priority, disabled,
		created_at_ns, updated_at_ns, version
		FROM rules ORDER BY priority DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return result, nil
}

// Get returns a rule by ID.
// Returns rule.ErrNotFound if the rule doesn't exist.
func (s *RuleStore) Get(ctx context.Context, id string) (*rule.Rule, error) {
	query := `SELECT id, name, match_expr, key_by, rate, period_ns, burst, priority, disabled,
		created_at_ns, updated_at_ns, version
		FROM rules WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}
	return r, nil
}

// Create adds a new rule.
// Returns rule.ErrDuplicateID if a rule with the same ID already exists.
func (s *RuleStore) Create(ctx context.Context, r *rule.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM rules WHERE id = ?`, r.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for existing rule: %w", err)
	}
	if exists > 0 {
		return rule.ErrDuplicateID
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO rules
		(id, name, match_expr, key_by, rate, period_ns, burst, priority, disabled,
		 created_at_ns, updated_at_ns, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Match, r.KeyBy, r.Rate, int64(r.Period), r.Burst, r.Priority, r.Disabled,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), r.Version)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

// Update replaces a stored rule using optimistic concurrency: the stored
// version must match r.Version. On success the version is incremented and
// written back to r so the caller observes the new version.
// Returns rule.ErrNotFound if the rule doesn't exist and
// rule.ErrVersionConflict if another writer got there first.
func (s *RuleStore) Update(ctx context.Context, r *rule.Rule) error {
	result, err := s.db.ExecContext(ctx, `UPDATE rules SET
		name = ?, match_expr = ?, key_by = ?, rate = ?, period_ns = ?, burst = ?,
		priority = ?, disabled = ?, updated_at_ns = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.Name, r.Match, r.KeyBy, r.Rate, int64(r.Period), r.Burst,
		r.Priority, r.Disabled, r.UpdatedAt.UnixNano(),
		r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Either the rule is gone or the version moved underneath us.
		if _, getErr := s.Get(ctx, r.ID); errors.Is(getErr, rule.ErrNotFound) {
			return rule.ErrNotFound
		}
		return rule.ErrVersionConflict
	}

	r.Version++
	return nil
}

// Delete removes a rule by ID.
// Returns rule.ErrNotFound if the rule doesn't exist.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return rule.ErrNotFound
	}
	return nil
}

// Close closes the underlying database connection. The store owns the
// connection it opened in NewRuleStore.
func (s *RuleStore) Close() error {
	return s.db.Close()
}

// scanRule reads one rules row through the given Scan function.
func scanRule(scan func(dest ...any) error) (*rule.Rule, error) {
	var (
		r         rule.Rule
		periodNS  int64
		createdNS int64
		updatedNS int64
	)
	err := scan(&r.ID, &r.Name, &r.Match, &r.KeyBy, &r.Rate, &periodNS, &r.Burst,
		&r.Priority, &r.Disabled, &createdNS, &updatedNS, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Period = time.Duration(periodNS)
	r.CreatedAt = time.Unix(0, createdNS).UTC()
	r.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return &r, nil
}

// Compile-time interface verification.
var _ rule.Store = (*RuleStore)(nil)
