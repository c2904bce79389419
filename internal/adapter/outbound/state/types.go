// Package state provides file-based persistence for gatecell runtime state.
//
// The state.json file stores the admission rules managed through the admin
// API when the memory store backend is active. This package provides atomic
// writes, file locking, and backup functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
// It holds the runtime configuration that survives restarts.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Rules are the persisted admission rules, including both rules seeded
	// from YAML config and rules created via the admin API.
	Rules []RuleEntry `json:"rules"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleEntry represents a single persisted admission rule.
type RuleEntry struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`

	// Name is the human-readable rule name, unique across rules.
	Name string `json:"name"`

	// Match is a CEL expression selecting the requests this rule governs.
	// Empty matches every request.
	Match string `json:"match,omitempty"`

	// KeyBy is a CEL expression deriving the limiter key from a request.
	// Empty falls back to "<tenant>:<resource>".
	KeyBy string `json:"key_by,omitempty"`

	// Rate is the number of admissions replenished per Period.
	Rate int `json:"rate"`

	// Period is the replenish window as a Go duration string (e.g. "1m").
	Period string `json:"period"`

	// Burst is the maximum burst size. Zero defaults to Rate.
	Burst int `json:"burst,omitempty"`

	// Priority determines evaluation order (higher number = evaluated first).
	Priority int `json:"priority"`

	// Disabled excludes the rule from admission checks without deleting it.
	Disabled bool `json:"disabled,omitempty"`

	// CreatedAt is when this rule was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this rule was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency counter, incremented on update.
	Version int64 `json:"rule_version"`
}
