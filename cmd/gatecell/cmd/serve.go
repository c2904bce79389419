package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gatecell/gatecell/internal/adapter/inbound/http"
	"github.com/gatecell/gatecell/internal/adapter/outbound/memory"
	"github.com/gatecell/gatecell/internal/adapter/outbound/sqlite"
	"github.com/gatecell/gatecell/internal/adapter/outbound/state"
	"github.com/gatecell/gatecell/internal/config"
	"github.com/gatecell/gatecell/internal/domain/rule"
	"github.com/gatecell/gatecell/internal/observability"
	"github.com/gatecell/gatecell/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission server",
	Long: `Start the gatecell admission server.

The server answers POST /v1/check and /v1/check_batch with rate limit
decisions, serves rule CRUD under /v1/admin/rules, and exposes Prometheus
metrics on /metrics.

Rules come from three places, merged at boot:
  1. The "rules" list in the config file (seed rules).
  2. An optional standalone rules file (config "rules_file").
  3. Rules created through the admin API, restored from the state file
     (memory backend) or the SQLite database (sqlite backend).

Examples:
  # Start with config file settings
  gatecell serve

  # Start in development mode (debug logging, permissive default rule)
  gatecell serve --dev

  # Start with a specific config file
  gatecell --config /path/to/config.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, permissive default rule)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}
	if logLevelFlag != "" {
		cfg.Server.LogLevel = logLevelFlag
	}

	// Merge the standalone rules file into the seed list before validation
	// so per-rule checks cover file-sourced rules too.
	if cfg.RulesFile != "" {
		fileRules, err := config.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to load rules file: %w", err)
		}
		cfg.Rules = append(cfg.Rules, fileRules...)
	}

	// Apply dev defaults (fills a permissive rule if none configured in dev mode)
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Resolve state file path: CLI flag > env var > default
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("GATECELL_STATE_PATH")
	}
	if statePath == "" {
		statePath = "./state.json"
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Setup logger to stderr (stdout is reserved for the OTel stdout exporters)
	// Priority: DevMode=true -> debug, otherwise use configured log_level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug // DevMode always forces debug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	// Log config file used if any
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "gatecell stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	// Run the server
	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("gatecell stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	// ===== Rule store =====
	// The sqlite backend persists rules itself; the memory backend mirrors
	// admin-managed rules into the state file.
	var store rule.Store
	var stateStore *state.FileStateStore
	var appState *state.AppState

	switch cfg.Store.Backend {
	case "sqlite":
		busyTimeout, err := time.ParseDuration(cfg.Store.BusyTimeout)
		if err != nil {
			busyTimeout = 5 * time.Second
			logger.Warn("invalid store.busy_timeout, using default",
				"value", cfg.Store.BusyTimeout, "default", "5s")
		}
		sqliteStore, err := sqlite.NewRuleStore(cfg.Store.Path, busyTimeout)
		if err != nil {
			return fmt.Errorf("failed to open rule store: %w", err)
		}
		defer func() { _ = sqliteStore.Close() }()
		store = sqliteStore
		logger.Info("rule store: sqlite", "path", cfg.Store.Path)

	default:
		stateStore = state.NewFileStateStore(statePath, logger)
		var err error
		appState, err = stateStore.Load()
		if err != nil {
			return fmt.Errorf("failed to load state: %w", err)
		}
		// Save immediately to create the file if it didn't exist.
		if err := stateStore.Save(appState); err != nil {
			return fmt.Errorf("failed to save initial state: %w", err)
		}
		store = memory.NewRuleStore()
		logger.Info("rule store: memory", "state_file", statePath, "persisted_rules", len(appState.Rules))
	}

	// ===== Metrics registry =====
	// One registry shared by the admission service and the HTTP transport,
	// so /metrics serves both decision and request families.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// ===== Services =====
	admission, err := service.NewAdmissionService(ctx, store, logger,
		service.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create admission service: %w", err)
	}
	defer admission.Stop()

	rules := service.NewRuleService(store, stateStore, admission, logger)

	// Restore admin-managed rules BEFORE seeding, so a seeded rule that was
	// later edited through the admin API keeps its edited form.
	if stateStore != nil {
		if _, err := rules.LoadFromState(ctx, appState); err != nil {
			logger.Error("failed to load rules from state", "error", err)
			// Non-fatal: seed rules still apply, state rules are lost.
		}
	}

	seeded, err := rules.Seed(ctx, cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to seed rules: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded rules from config", "created", seeded)
	}

	// ===== Telemetry =====
	metricsInterval, err := time.ParseDuration(cfg.Telemetry.MetricsInterval)
	if err != nil {
		metricsInterval = 30 * time.Second
		logger.Warn("invalid telemetry.metrics_interval, using default",
			"value", cfg.Telemetry.MetricsInterval, "default", "30s")
	}
	manager := observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:     cfg.Telemetry.Traces,
			ServiceName: cfg.Telemetry.ServiceName,
		},
		Metrics: observability.MeterConfig{
			Enabled:     cfg.Telemetry.Metrics,
			Interval:    metricsInterval,
			ServiceName: cfg.Telemetry.ServiceName,
		},
	})
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// ===== Idle-key sweeper =====
	if cfg.Limiter.Sweep {
		sweepInterval, err := time.ParseDuration(cfg.Limiter.SweepInterval)
		if err != nil {
			sweepInterval = 5 * time.Minute
			logger.Warn("invalid limiter.sweep_interval, using default",
				"value", cfg.Limiter.SweepInterval, "default", "5m")
		}
		idleTTL, err := time.ParseDuration(cfg.Limiter.IdleTTL)
		if err != nil {
			idleTTL = time.Hour
			logger.Warn("invalid limiter.idle_ttl, using default",
				"value", cfg.Limiter.IdleTTL, "default", "1h")
		}
		admission.StartSweeping(ctx, sweepInterval, idleTTL)
		logger.Debug("limiter sweeping enabled", "interval", sweepInterval, "idle_ttl", idleTTL)
	}

	// ===== HTTP transport =====
	shutdownGrace, err := time.ParseDuration(cfg.Server.ShutdownGrace)
	if err != nil {
		shutdownGrace = 10 * time.Second
	}

	healthChecker := http.NewHealthChecker(admission, store, Version)

	transport := http.NewTransport(admission, rules,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithRegistry(registry),
		http.WithMetrics(metrics),
		http.WithAdminKeyHash(cfg.Admin.KeyHash),
		http.WithShutdownGrace(shutdownGrace),
		http.WithHealthChecker(healthChecker),
	)

	logger.Info("gatecell starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Backend,
		"rules", admission.RuleCount(),
		"sweep", cfg.Limiter.Sweep,
		"admin_key", cfg.Admin.KeyHash != "",
	)

	return transport.Start(ctx)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the path of the server PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".gatecell", "server.pid")
	}
	return filepath.Join(os.TempDir(), "gatecell-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
