package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consumed at daemon fork time.
const (
	EnvDaemonMode   = "APEX_DAEMON_MODE"
	EnvProjectPath  = "APEX_PROJECT_PATH"
	EnvPollInterval = "APEX_POLL_INTERVAL"
	EnvLogLevel     = "APEX_LOG_LEVEL"
	EnvDaemonDebug  = "APEX_DAEMON_DEBUG"
	EnvConfigJSON   = "APEX_CONFIG_JSON"
)

// Load loads configuration for a project directory.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. Project config (<projectPath>/.apex/config.yaml)
//  3. APEX_CONFIG_JSON (pre-serialized payload, bypasses file read)
//  4. Individual APEX_* environment variables
//
// Absent or unparseable values fall through to the previous layer; Load
// never fails on bad values, only on an unreadable project config file.
func Load(projectPath string) (*Config, error) {
	cfg := Default()
	cfg.ProjectPath = projectPath

	path := filepath.Join(projectPath, ApexDir, ConfigFileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if payload := os.Getenv(EnvConfigJSON); payload != "" {
		if err := json.Unmarshal([]byte(payload), cfg); err != nil {
			slog.Warn("ignoring unparseable APEX_CONFIG_JSON", "error", err)
		}
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// applyEnv applies the individual APEX_* overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvProjectPath); v != "" {
		cfg.ProjectPath = v
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.PollInterval = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("ignoring unparseable APEX_POLL_INTERVAL", "value", v)
		}
	}
	if v := os.Getenv(EnvDaemonMode); v != "" {
		switch v {
		case ModeDay, ModeNight, ModeOffHours:
			cfg.Budget.ForcedMode = v
		default:
			slog.Warn("ignoring unknown APEX_DAEMON_MODE", "value", v)
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		switch v {
		case "debug", "info", "warn", "error":
			cfg.Daemon.LogLevel = v
		default:
			slog.Warn("ignoring unknown APEX_LOG_LEVEL", "value", v)
		}
	}
	if os.Getenv(EnvDaemonDebug) == "1" {
		cfg.Daemon.LogLevel = "debug"
	}
}

// normalize clamps malformed numeric values into their valid ranges.
// The daemon never crashes on bad config, only on missing core services.
func normalize(cfg *Config) {
	cfg.Daemon.PollInterval = ClampPollInterval(cfg.Daemon.PollInterval)
	if cfg.Daemon.ShutdownTimeout <= 0 {
		cfg.Daemon.ShutdownTimeout = Default().Daemon.ShutdownTimeout
	}
	if cfg.Daemon.StateWriteInterval <= 0 {
		cfg.Daemon.StateWriteInterval = Default().Daemon.StateWriteInterval
	}
	if cfg.Budget.DailyBudgetUSD < 0 {
		cfg.Budget.DailyBudgetUSD = 0
	}
	for _, m := range []*ModeLimits{&cfg.Budget.Day, &cfg.Budget.Night, &cfg.Budget.OffHours} {
		if m.MaxConcurrentTasks < 1 {
			m.MaxConcurrentTasks = 1
		}
		if m.CapacityThreshold <= 0 || m.CapacityThreshold > 1 {
			m.CapacityThreshold = 1
		}
	}
	if cfg.Workspace.CleanupDelay < 0 {
		cfg.Workspace.CleanupDelay = 0
	}
	if cfg.Watchdog.MaxHistory < 0 {
		cfg.Watchdog.MaxHistory = 0
	}
	if cfg.Engine.SessionWarnUtilization <= 0 || cfg.Engine.SessionWarnUtilization > 1 {
		cfg.Engine.SessionWarnUtilization = Default().Engine.SessionWarnUtilization
	}
	if cfg.Store.Dialect == "" {
		cfg.Store.Dialect = "sqlite"
	}
}

// SlogLevel maps the configured log level to a slog.Level.
func (d DaemonConfig) SlogLevel() slog.Level {
	switch d.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CostFor computes the linear cost of a token delta under the configured
// per-model rates. Unknown models fall back to the "default" rate; with no
// rates at all, cost is zero.
func (b BudgetConfig) CostFor(model string, inputTokens, outputTokens int) float64 {
	rate, ok := b.ModelRates[model]
	if !ok {
		rate, ok = b.ModelRates["default"]
		if !ok {
			return 0
		}
	}
	return float64(inputTokens)/1_000_000*rate.InputPerMTok +
		float64(outputTokens)/1_000_000*rate.OutputPerMTok
}
