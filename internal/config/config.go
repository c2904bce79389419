// Package config provides the configuration schema for gatecell.
//
// Configuration is file-based (YAML) with environment variable overrides.
// The schema covers the HTTP listener, the rule store backend, admin API
// authentication, keyed limiter housekeeping, telemetry exporters, and an
// optional list of seed rules applied on first boot.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the gatecell server.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures rule persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Admin configures authentication for the admin rule API.
	// When KeyHash is empty the admin API only accepts requests from
	// localhost; set it to open the API to authenticated remote peers.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Limiter configures housekeeping for keyed limiter state.
	Limiter LimiterConfig `yaml:"limiter" mapstructure:"limiter"`

	// Telemetry configures the OpenTelemetry trace and metric pipelines.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Rules are seed rules loaded into the store when it is empty.
	// Optional: rules can also be managed via the admin API.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`

	// RulesFile names a standalone YAML file with additional seed rules,
	// merged after the inline list. Useful when rules are mounted
	// separately from the main config (e.g. a ConfigMap volume).
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// DevMode enables development features (debug logging, open admin API,
	// a permissive default rule when none are configured).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080", ":8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownGrace is how long in-flight requests get to finish on
	// shutdown (e.g. "10s"). Defaults to "10s".
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty,duration"`
}

// StoreConfig configures where rules are persisted.
type StoreConfig struct {
	// Backend selects the rule store implementation.
	// "memory" keeps rules in memory, persisted to the runtime state file.
	// "sqlite" persists rules in a SQLite database at Path.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`

	// Path is the SQLite database file. Required when Backend is "sqlite".
	Path string `yaml:"path" mapstructure:"path"`

	// BusyTimeout is how long SQLite waits on a locked database before
	// failing (e.g. "5s"). Defaults to "5s".
	BusyTimeout string `yaml:"busy_timeout" mapstructure:"busy_timeout" validate:"omitempty,duration"`
}

// AdminConfig configures admin API authentication.
type AdminConfig struct {
	// KeyHash is the Argon2id hash of the admin API key.
	// Generate with: gatecell hash-key
	// Mutating admin endpoints require "Authorization: Bearer <key>".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"omitempty,startswith=$argon2id$"`
}

// LimiterConfig configures keyed limiter housekeeping. Each rule keeps
// per-key admission state; idle keys are swept to bound memory.
type LimiterConfig struct {
	// Sweep turns periodic idle-key sweeping on or off. Defaults to on.
	Sweep bool `yaml:"sweep" mapstructure:"sweep"`

	// SweepInterval is how often idle keys are swept (e.g. "5m").
	// Defaults to "5m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// IdleTTL is how long a key may stay fully replenished before its
	// state is dropped (e.g. "1h"). Defaults to "1h".
	IdleTTL string `yaml:"idle_ttl" mapstructure:"idle_ttl" validate:"omitempty,duration"`
}

// TelemetryConfig configures the OpenTelemetry pipelines. The Prometheus
// /metrics endpoint is always served; these settings control the OTel
// stdout exporters used for local debugging.
type TelemetryConfig struct {
	// Traces enables span export to stdout.
	Traces bool `yaml:"traces" mapstructure:"traces"`

	// Metrics enables periodic metric export to stdout.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`

	// MetricsInterval is the export period (e.g. "30s"). Defaults to "30s".
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`

	// ServiceName is the service.name resource attribute.
	// Defaults to "gatecell".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// RuleConfig defines a seed admission rule.
type RuleConfig struct {
	// Name is the unique, human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Match is a CEL expression selecting the requests this rule governs
	// (e.g. `resource == "search"`). Empty matches every request.
	Match string `yaml:"match" mapstructure:"match"`

	// KeyBy is a CEL expression deriving the limit key
	// (e.g. `tenant + ":" + ip`). Empty derives "<tenant>:<resource>".
	KeyBy string `yaml:"key_by" mapstructure:"key_by"`

	// Rate is the number of requests replenished per Period.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"required,min=1"`

	// Period is the replenishment window (e.g. "1s", "1m").
	Period string `yaml:"period" mapstructure:"period" validate:"required,duration"`

	// Burst is the maximum number of requests admissible at the same
	// instant. Defaults to Rate when 0.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Priority determines evaluation order (higher = evaluated first).
	Priority int `yaml:"priority" mapstructure:"priority"`

	// Disabled excludes the rule from evaluation without removing it.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are
// satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Provide a default catch-all rule if none configured, so the server
	// enforces something out of the box.
	if len(c.Rules) == 0 {
		c.Rules = []RuleConfig{
			{
				Name:   "dev-default",
				Rate:   100,
				Period: "1m",
				Burst:  100,
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults. Bind to localhost only; users who need network
	// access must explicitly set http_addr.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = "10s"
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.BusyTimeout == "" {
		c.Store.BusyTimeout = "5s"
	}

	// Limiter defaults. Sweeping is on by default; viper.IsSet
	// distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("limiter.sweep") {
		c.Limiter.Sweep = true
	}
	if c.Limiter.SweepInterval == "" {
		c.Limiter.SweepInterval = "5m"
	}
	if c.Limiter.IdleTTL == "" {
		c.Limiter.IdleTTL = "1h"
	}

	// Telemetry defaults
	if c.Telemetry.MetricsInterval == "" {
		c.Telemetry.MetricsInterval = "30s"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gatecell"
	}
}
