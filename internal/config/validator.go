package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gatecell-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration strings ("10s", "1m30s")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration validates that a field parses as a positive Go duration.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStoreBackend(); err != nil {
		return err
	}

	if err := c.validateRuleNames(); err != nil {
		return err
	}

	return nil
}

// validateStoreBackend ensures the sqlite backend has a database path.
func (c *Config) validateStoreBackend() error {
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return errors.New("store: backend 'sqlite' requires store.path")
	}
	return nil
}

// validateRuleNames ensures seed rule names are unique. Names identify
// rules in logs and the admin API, so duplicates would be ambiguous.
func (c *Config) validateRuleNames() error {
	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("rules[%d]: duplicate rule name: %s", i, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration (e.g. \"30s\", \"5m\")", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
