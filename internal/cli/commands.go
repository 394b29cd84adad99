// Package cli implements the apex command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/randalmurphal/apex/internal/agent"
	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/db/driver"
	"github.com/randalmurphal/apex/internal/engine"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/hooks"
	"github.com/randalmurphal/apex/internal/orchestrator"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/usage"
	"github.com/randalmurphal/apex/internal/workflow"
	"github.com/randalmurphal/apex/internal/workspace"
)

// Helper functions

// projectPath resolves the project directory: --project flag, APEX_PROJECT
// env (via viper), then the current directory.
func projectPath() (string, error) {
	if projectFlag != "" {
		return filepath.Abs(projectFlag)
	}
	if p := viper.GetString("project"); p != "" {
		return filepath.Abs(p)
	}
	return os.Getwd()
}

// loadConfig resolves the project and loads its layered configuration.
func loadConfig() (*config.Config, error) {
	project, err := projectPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Daemon.LogLevel = "debug"
	}
	return cfg, nil
}

// openStore opens the project store per the configured dialect.
func openStore(cfg *config.Config) (*db.DB, error) {
	switch cfg.Store.Dialect {
	case "", "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.ProjectPath, config.ApexDir, "apex.db")
		}
		return db.Open(dsn)
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store dialect postgres requires a dsn")
		}
		return db.OpenWithDialect(cfg.Store.DSN, driver.DialectPostgres)
	default:
		return nil, fmt.Errorf("unknown store dialect %q", cfg.Store.Dialect)
	}
}

// runtime is the assembled daemon service graph shared by commands that need
// more than the bare store.
type runtime struct {
	cfg       *config.Config
	store     *db.DB
	publisher *events.MemoryPublisher
	git       *git.Git
	workspace *workspace.Manager
	accounter *usage.Accounter
	engine    *engine.Engine
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
}

// buildRuntime wires the orchestrator stack for a project. The caller owns
// shutdown via close.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Daemon.SlogLevel(),
	}))

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pub := events.NewMemoryPublisher()
	g := git.New(cfg.ProjectPath)
	ws := workspace.New(cfg.ProjectPath, cfg.Workspace, g, pub, workspace.WithLogger(logger))

	gw, err := hooks.NewGateway(cfg.Hooks, hooks.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		pub.Close()
		return nil, fmt.Errorf("hook gateway: %w", err)
	}

	workflows := workflow.NewRegistry()
	if err := workflows.LoadDir(cfg.ProjectPath); err != nil {
		logger.Warn("could not load project workflows", "error", err)
	}
	agents := agent.NewRegistry()
	if err := agents.LoadDir(cfg.ProjectPath); err != nil {
		logger.Warn("could not load project agents", "error", err)
	}

	provider := agent.NewCLIProvider(agent.WithCLILogger(logger))
	acc := usage.New(cfg.Budget, usage.WithLogger(logger))
	eng := engine.New(store, acc, pub, gw, workflows, agents, provider, cfg.Engine,
		engine.WithGit(g), engine.WithLogger(logger))
	orch := orchestrator.New(cfg, store, eng, ws, pub, orchestrator.WithLogger(logger))

	return &runtime{
		cfg:       cfg,
		store:     store,
		publisher: pub,
		git:       g,
		workspace: ws,
		accounter: acc,
		engine:    eng,
		orch:      orch,
		logger:    logger,
	}, nil
}

// close tears the runtime down in reverse dependency order.
func (rt *runtime) close() {
	rt.orch.Close()
	_ = rt.store.Close()
	rt.publisher.Close()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func statusIcon(status task.Status) string {
	switch status {
	case task.StatusPending:
		return "📝"
	case task.StatusInProgress:
		return "⏳"
	case task.StatusPaused:
		return "⏸️"
	case task.StatusCompleted:
		return "✅"
	case task.StatusFailed:
		return "❌"
	case task.StatusCancelled:
		return "🚫"
	default:
		return "❓"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
