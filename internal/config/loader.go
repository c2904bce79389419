package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for gatecell.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("gatecell")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GATECELL_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("GATECELL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gatecell config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatecell"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "gatecell"))
		}
	} else {
		paths = append(paths, "/etc/gatecell")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for gatecell.yaml or
// .yml. Returns the full path of the first match, or empty string if none
// found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gatecell"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: GATECELL_SERVER_HTTP_ADDR overrides server.http_addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_grace")

	// Store config
	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.path")
	_ = viper.BindEnv("store.busy_timeout")

	// Admin config
	_ = viper.BindEnv("admin.key_hash")

	// Limiter config
	_ = viper.BindEnv("limiter.sweep")
	_ = viper.BindEnv("limiter.sweep_interval")
	_ = viper.BindEnv("limiter.idle_ttl")

	// Telemetry config
	_ = viper.BindEnv("telemetry.traces")
	_ = viper.BindEnv("telemetry.metrics")
	_ = viper.BindEnv("telemetry.metrics_interval")
	_ = viper.BindEnv("telemetry.service_name")

	// Note: rules is an array, complex to override via env.
	// Users should use the config file (or the admin API) for rules.
	_ = viper.BindEnv("rules_file")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// rulesFileDoc is the schema of a standalone rules file: a single
// top-level "rules" list using the same shape as the inline config.
type rulesFileDoc struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadRulesFile reads seed rules from a standalone YAML file. Callers
// merge the result into Config.Rules before validation so the usual
// per-rule checks apply to file-sourced rules too.
func LoadRulesFile(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc rulesFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	return doc.Rules, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
