package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/service"
)

// ruleRequest is the JSON request body for creating/updating a rule.
type ruleRequest struct {
	Name     string `json:"name"`
	Match    string `json:"match"`
	KeyBy    string `json:"key_by"`
	Rate     int    `json:"rate"`
	Period   string `json:"period"`
	Burst    int    `json:"burst"`
	Priority int    `json:"priority"`
	Disabled bool   `json:"disabled"`
	// Version guards updates: 0 updates unconditionally, a non-zero
	// value must match the stored version.
	Version int64 `json:"version"`
}

// ruleResponse is the JSON response for a single rule.
type ruleResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Match     string    `json:"match,omitempty"`
	KeyBy     string    `json:"key_by,omitempty"`
	Rate      int       `json:"rate"`
	Period    string    `json:"period"`
	Burst     int       `json:"burst,omitempty"`
	Priority  int       `json:"priority"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// toRuleResponse converts a domain rule to an API response.
func toRuleResponse(r *rule.Rule) ruleResponse {
	return ruleResponse{
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

// toDomainRule converts a request body to a domain rule.
func toDomainRule(req ruleRequest) (*rule.Rule, error) {
	period, err := time.ParseDuration(req.Period)
	if err != nil {
		return nil, fmt.Errorf("invalid period %q: %w", req.Period, err)
	}
	return &rule.Rule{
		Name:     req.Name,
		Match:    req.Match,
		KeyBy:    req.KeyBy,
		Rate:     req.Rate,
		Period:   period,
		Burst:    req.Burst,
		Priority: req.Priority,
		Disabled: req.Disabled,
		Version:  req.Version,
	}, nil
}

// handleListRules returns all rules as a JSON array.
// GET /v1/admin/rules
func (t *Transport) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := t.rules.List(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to list rules", "error", err)
		t.respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	result := make([]ruleResponse, len(rules))
	for i := range rules {
		result[i] = toRuleResponse(&rules[i])
	}

	t.respondJSON(w, http.StatusOK, result)
}

// handleGetRule returns a single rule by ID.
// GET /v1/admin/rules/{id}
func (t *Transport) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	got, err := t.rules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			t.respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		LoggerFromContext(r.Context()).Error("failed to get rule", "error", err, "id", id)
		t.respondError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}

	t.respondJSON(w, http.StatusOK, toRuleResponse(got))
}

// handleCreateRule creates a new rule from the request body.
// POST /v1/admin/rules
func (t *Transport) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := t.readJSON(w, r, &req); err != nil {
		t.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" {
		t.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	dr, err := toDomainRule(req)
	if err != nil {
		t.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := t.rules.Create(r.Context(), dr)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateName) {
			t.respondError(w, http.StatusConflict, "rule name already exists")
			return
		}
		if strings.Contains(err.Error(), "invalid rule:") {
			t.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		LoggerFromContext(r.Context()).Error("failed to create rule", "error", err)
		t.respondError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	t.respondJSON(w, http.StatusCreated, toRuleResponse(created))
}

// handleUpdateRule updates an existing rule.
// PUT /v1/admin/rules/{id}
func (t *Transport) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ruleRequest
	if err := t.readJSON(w, r, &req); err != nil {
		t.respondError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" {
		t.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	dr, err := toDomainRule(req)
	if err != nil {
		t.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := t.rules.Update(r.Context(), id, dr)
	if err != nil {
		switch {
		case errors.Is(err, rule.ErrNotFound):
			t.respondError(w, http.StatusNotFound, "rule not found")
		case errors.Is(err, rule.ErrVersionConflict):
			t.respondError(w, http.StatusConflict, "rule version conflict")
		case errors.Is(err, service.ErrDuplicateName):
			t.respondError(w, http.StatusConflict, "rule name already exists")
		case strings.Contains(err.Error(), "invalid rule:"):
			t.respondError(w, http.StatusBadRequest, err.Error())
		default:
			LoggerFromContext(r.Context()).Error("failed to update rule", "error", err, "id", id)
			t.respondError(w, http.StatusInternalServerError, "failed to update rule")
		}
		return
	}

	t.respondJSON(w, http.StatusOK, toRuleResponse(updated))
}

// handleDeleteRule removes a rule by ID.
// DELETE /v1/admin/rules/{id}
func (t *Transport) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := t.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			t.respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		LoggerFromContext(r.Context()).Error("failed to delete rule", "error", err, "id", id)
		t.respondError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
