// Package config provides configuration types and loading for apex.
//
// The daemon core receives a parsed *Config value; file parsing and env
// resolution happen here so the rest of the system never touches YAML.
package config

import (
	"time"
)

const (
	// ApexDir is the per-project configuration directory.
	ApexDir = ".apex"
	// ConfigFileName is the project config file inside ApexDir.
	ConfigFileName = "config.yaml"
	// WorkflowsDir holds workflow definitions inside ApexDir.
	WorkflowsDir = "workflows"
	// AgentsDir holds agent definitions inside ApexDir.
	AgentsDir = "agents"
)

// Mode names for time-window scheduling.
const (
	ModeDay      = "day"
	ModeNight    = "night"
	ModeOffHours = "off-hours"
)

// ModeLimits defines resource thresholds for one time-window mode.
type ModeLimits struct {
	// MaxTokensPerTask caps tokens a single task may consume in this mode.
	MaxTokensPerTask int `yaml:"max_tokens_per_task"`
	// MaxCostPerTask caps USD cost for a single task in this mode.
	MaxCostPerTask float64 `yaml:"max_cost_per_task"`
	// MaxConcurrentTasks caps parallel task executions in this mode.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// CapacityThreshold is the fraction of daily budget (0..1) above which
	// the scheduler signals pause.
	CapacityThreshold float64 `yaml:"capacity_threshold"`
}

// ModelRate is the linear cost function for one model.
type ModelRate struct {
	// InputPerMTok is USD per million input tokens.
	InputPerMTok float64 `yaml:"input_per_mtok"`
	// OutputPerMTok is USD per million output tokens.
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// BudgetConfig defines usage accounting limits.
type BudgetConfig struct {
	// DailyBudgetUSD is the total spend allowed per local day.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd"`

	// DayModeHours and NightModeHours are wall-clock hour sets (0-23).
	// Hours in neither set are off-hours.
	DayModeHours   []int `yaml:"day_mode_hours,omitempty"`
	NightModeHours []int `yaml:"night_mode_hours,omitempty"`

	// TimeBasedEnabled gates the off-hours auto-pause rule.
	TimeBasedEnabled bool `yaml:"time_based_enabled"`

	// ForcedMode pins the time-window mode, bypassing the hour sets. Set
	// via APEX_DAEMON_MODE; empty means hour-based resolution.
	ForcedMode string `yaml:"forced_mode,omitempty"`

	Day      ModeLimits `yaml:"day"`
	Night    ModeLimits `yaml:"night"`
	OffHours ModeLimits `yaml:"off_hours"`

	// ModelRates maps model name to its cost rates.
	ModelRates map[string]ModelRate `yaml:"model_rates,omitempty"`
}

// LimitsFor returns the limits for the named mode.
func (b BudgetConfig) LimitsFor(mode string) ModeLimits {
	switch mode {
	case ModeDay:
		return b.Day
	case ModeNight:
		return b.Night
	default:
		return b.OffHours
	}
}

// WorkspaceConfig defines workspace isolation settings.
type WorkspaceConfig struct {
	// Strategy is the default workspace strategy for new tasks.
	Strategy string `yaml:"strategy"`

	// CleanupDelay is how long to wait after a terminal status before
	// removing the workspace.
	CleanupDelay time.Duration `yaml:"cleanup_delay"`

	// PreserveOnFailure keeps failed tasks' workspaces for debugging.
	PreserveOnFailure bool `yaml:"preserve_on_failure"`

	// PruneStaleAfterDays removes worktrees older than this many days.
	PruneStaleAfterDays int `yaml:"prune_stale_after_days"`

	// Container holds defaults merged into per-task container specs.
	Container ContainerDefaults `yaml:"container"`
}

// ContainerDefaults are project-level container workspace defaults.
type ContainerDefaults struct {
	Image          string            `yaml:"image"`
	ResourceLimits map[string]string `yaml:"resource_limits,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty"`
	NetworkMode    string            `yaml:"network_mode,omitempty"`
	AutoRemove     bool              `yaml:"auto_remove"`
	InstallTimeout time.Duration     `yaml:"install_timeout,omitempty"`
}

// WatchdogConfig defines the auto-restart policy.
type WatchdogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RestartDelay  time.Duration `yaml:"restart_delay"`
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
	// MaxHistory bounds the restart history ring; 0 disables history.
	MaxHistory int `yaml:"max_history"`
}

// DaemonConfig defines runner behavior.
type DaemonConfig struct {
	// PollInterval is the runner poll period; clamped to [MinPoll, MaxPoll].
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout bounds the graceful-shutdown wait for in-flight tasks.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StateWriteInterval bounds how often the state file is rewritten.
	StateWriteInterval time.Duration `yaml:"state_write_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// EngineConfig defines workflow engine behavior.
type EngineConfig struct {
	// MaxTurns caps agent turns per stage.
	MaxTurns int `yaml:"max_turns"`
	// StageTimeout bounds a single stage execution.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// SessionTokenLimit is the context-window size used for session-limit
	// detection.
	SessionTokenLimit int `yaml:"session_token_limit"`
	// SessionWarnUtilization is the utilization (0..1) above which the
	// engine checkpoints before starting a stage.
	SessionWarnUtilization float64 `yaml:"session_warn_utilization"`
	// DefaultModel is used when an agent does not name one.
	DefaultModel string `yaml:"default_model"`
}

// HookRule is a custom gateway hook supplied via config.
type HookRule struct {
	Tool    string `yaml:"tool"`
	Action  string `yaml:"action"` // allow, deny, warn
	Pattern string `yaml:"pattern,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// StoreConfig selects the persistence engine.
type StoreConfig struct {
	// Dialect is "sqlite" (default) or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN overrides the default .apex/apex.db path (required for postgres).
	DSN string `yaml:"dsn,omitempty"`
}

// Config is the root parsed configuration value.
type Config struct {
	ProjectPath string          `yaml:"project_path,omitempty"`
	Daemon      DaemonConfig    `yaml:"daemon"`
	Budget      BudgetConfig    `yaml:"budget"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	Watchdog    WatchdogConfig  `yaml:"watchdog"`
	Engine      EngineConfig    `yaml:"engine"`
	Store       StoreConfig     `yaml:"store"`
	Hooks       []HookRule      `yaml:"hooks,omitempty"`
}

// Poll interval clamp bounds.
const (
	MinPollInterval = 1000 * time.Millisecond
	MaxPollInterval = 60000 * time.Millisecond
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PollInterval:       5 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			StateWriteInterval: 5 * time.Second,
			LogLevel:           "info",
		},
		Budget: BudgetConfig{
			DailyBudgetUSD:   100,
			DayModeHours:     []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
			NightModeHours:   []int{18, 19, 20, 21, 22, 23},
			TimeBasedEnabled: false,
			Day: ModeLimits{
				MaxTokensPerTask:   2_000_000,
				MaxCostPerTask:     10,
				MaxConcurrentTasks: 2,
				CapacityThreshold:  0.70,
			},
			Night: ModeLimits{
				MaxTokensPerTask:   4_000_000,
				MaxCostPerTask:     20,
				MaxConcurrentTasks: 4,
				CapacityThreshold:  0.90,
			},
			OffHours: ModeLimits{
				MaxTokensPerTask:   1_000_000,
				MaxCostPerTask:     5,
				MaxConcurrentTasks: 1,
				CapacityThreshold:  0.50,
			},
			ModelRates: map[string]ModelRate{
				"default": {InputPerMTok: 3, OutputPerMTok: 15},
			},
		},
		Workspace: WorkspaceConfig{
			Strategy:            "worktree",
			CleanupDelay:        5 * time.Minute,
			PreserveOnFailure:   true,
			PruneStaleAfterDays: 14,
			Container: ContainerDefaults{
				Image:          "ubuntu:24.04",
				AutoRemove:     true,
				InstallTimeout: 10 * time.Minute,
			},
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			RestartDelay:  5 * time.Second,
			MaxRestarts:   5,
			RestartWindow: 10 * time.Minute,
			MaxHistory:    1000,
		},
		Engine: EngineConfig{
			MaxTurns:               50,
			StageTimeout:           30 * time.Minute,
			SessionTokenLimit:      200_000,
			SessionWarnUtilization: 0.85,
			DefaultModel:           "default",
		},
		Store: StoreConfig{
			Dialect: "sqlite",
		},
	}
}

// ClampPollInterval clamps a poll interval into the valid range. Malformed
// (zero or negative) values fall to the minimum rather than erroring.
func ClampPollInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}
