// Package workspace manages per-task isolated working directories.
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/hosting"
	"github.com/randalmurphal/apex/internal/task"
)

// Manager owns workspace lifecycles, keyed by task id.
type Manager struct {
	projectPath string
	cfg         config.WorkspaceConfig
	git         *git.Git
	runner      git.CommandRunner
	publisher   events.Publisher
	logger      *slog.Logger

	providerFor func(prURL string) (hosting.Provider, error)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRunner substitutes the command runner used for container operations.
func WithRunner(r git.CommandRunner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithProviderLookup substitutes the hosting provider resolver, used by tests.
func WithProviderLookup(f func(string) (hosting.Provider, error)) Option {
	return func(m *Manager) { m.providerFor = f }
}

// New creates a Manager for the project.
func New(projectPath string, cfg config.WorkspaceConfig, g *git.Git, pub events.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	m := &Manager{
		projectPath: projectPath,
		cfg:         cfg,
		git:         g,
		runner:      git.NewExecRunner(),
		publisher:   pub,
		logger:      slog.Default(),
		providerFor: hosting.ForURL,
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateWorkspace provisions an isolated workspace for the task per its
// strategy. Worktree creation failures propagate; the orchestrator decides
// whether to fall back.
func (m *Manager) CreateWorkspace(ctx context.Context, t *task.Task) (*task.Workspace, error) {
	strategy := task.WorkspaceStrategy(m.cfg.Strategy)
	if t.Workspace != nil && t.Workspace.Strategy != "" {
		strategy = t.Workspace.Strategy
	}

	switch strategy {
	case task.WorkspaceNone, "":
		return &task.Workspace{Strategy: task.WorkspaceNone}, nil

	case task.WorkspaceWorktree:
		path, err := m.git.AddWorktree(t.ID, t.BranchName)
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		m.publisher.Publish(events.NewEvent(events.EventWorktreeCreated, t.ID, events.WorktreeData{Path: path}))
		return &task.Workspace{Strategy: task.WorkspaceWorktree, Path: path, Cleanup: true}, nil

	case task.WorkspaceContainer:
		spec := m.mergedContainerSpec(t)
		if err := m.createContainer(ctx, t.ID, spec); err != nil {
			return nil, fmt.Errorf("create container: %w", err)
		}
		return &task.Workspace{
			Strategy:  task.WorkspaceContainer,
			Path:      containerName(t.ID),
			Cleanup:   true,
			Container: spec,
		}, nil

	case task.WorkspaceDirectory:
		path := git.WorktreePath(m.projectPath, t.ID)
		if err := copyTree(m.projectPath, path); err != nil {
			return nil, fmt.Errorf("copy project directory: %w", err)
		}
		return &task.Workspace{Strategy: task.WorkspaceDirectory, Path: path, Cleanup: true}, nil

	default:
		return nil, fmt.Errorf("unknown workspace strategy %q", strategy)
	}
}

// CleanupWorkspace removes the workspace after delay. A zero delay removes
// immediately. Removal failures are logged, never returned.
func (m *Manager) CleanupWorkspace(taskID string, ws *task.Workspace, delay time.Duration) {
	if ws == nil || ws.Strategy == task.WorkspaceNone {
		return
	}

	if delay <= 0 {
		m.remove(taskID, ws)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.timers[taskID]; ok {
		old.Stop()
	}
	m.timers[taskID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, taskID)
		m.mu.Unlock()
		m.remove(taskID, ws)
	})
}

// HandleStatusChange applies the preservation policy for a task entering a
// terminal status.
func (m *Manager) HandleStatusChange(t *task.Task, status task.Status) {
	if t.Workspace == nil {
		return
	}

	switch status {
	case task.StatusFailed:
		if m.cfg.PreserveOnFailure {
			m.logger.Info("preserving workspace of failed task", "task", t.ID, "path", t.Workspace.Path)
			return
		}
		m.CleanupWorkspace(t.ID, t.Workspace, m.cfg.CleanupDelay)

	case task.StatusCancelled, task.StatusCompleted:
		if t.Workspace.Cleanup {
			m.CleanupWorkspace(t.ID, t.Workspace, m.cfg.CleanupDelay)
		}
	}
}

// HandleTrashed removes the workspace immediately when a task is trashed.
func (m *Manager) HandleTrashed(t *task.Task) {
	if t.Workspace == nil {
		return
	}
	m.CleanupWorkspace(t.ID, t.Workspace, 0)
}

// remove tears down one workspace. Failures are logged only.
func (m *Manager) remove(taskID string, ws *task.Workspace) {
	switch ws.Strategy {
	case task.WorkspaceWorktree:
		if err := m.git.RemoveWorktree(ws.Path); err != nil {
			m.logger.Warn("worktree cleanup failed", "task", taskID, "path", ws.Path, "error", err)
			return
		}
		m.publisher.Publish(events.NewEvent(events.EventWorktreeCleaned, taskID, events.WorktreeData{Path: ws.Path}))

	case task.WorkspaceContainer:
		if err := m.removeContainer(taskID); err != nil {
			m.logger.Warn("container cleanup failed", "task", taskID, "error", err)
		}

	case task.WorkspaceDirectory:
		if err := os.RemoveAll(ws.Path); err != nil {
			m.logger.Warn("directory cleanup failed", "task", taskID, "path", ws.Path, "error", err)
		}
	}
}

// CleanupMergedWorktree removes a task's worktree when its PR has merged.
// Missing providers, tokens, or malformed URLs degrade to false with a
// warning; this never fails the caller.
func (m *Manager) CleanupMergedWorktree(ctx context.Context, t *task.Task) bool {
	if t.PRURL == "" || t.Workspace == nil || t.Workspace.Strategy != task.WorkspaceWorktree {
		return false
	}

	provider, err := m.providerFor(t.PRURL)
	if err != nil {
		m.logger.Warn("cannot check PR state", "task", t.ID, "pr_url", t.PRURL, "error", err)
		return false
	}

	merged, err := provider.IsMerged(ctx, t.PRURL)
	if err != nil {
		m.logger.Warn("PR state check failed", "task", t.ID, "pr_url", t.PRURL, "error", err)
		return false
	}
	if !merged {
		return false
	}

	if err := m.git.RemoveWorktree(t.Workspace.Path); err != nil {
		m.logger.Warn("merged worktree cleanup failed", "task", t.ID, "error", err)
		return false
	}
	m.publisher.Publish(events.NewEvent(events.EventWorktreeMergeCleaned, t.ID,
		events.WorktreeData{Path: t.Workspace.Path, PRURL: t.PRURL}))
	return true
}

// CleanupOldWorkspaces prunes worktree directories older than the configured
// stale age.
func (m *Manager) CleanupOldWorkspaces() error {
	if m.cfg.PruneStaleAfterDays <= 0 {
		return nil
	}

	dir := git.WorktreesDir(m.projectPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worktrees dir: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -m.cfg.PruneStaleAfterDays)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := m.git.RemoveWorktree(path); err != nil {
				m.logger.Warn("stale worktree prune failed", "path", path, "error", err)
			}
		}
	}
	return nil
}

// Close stops all pending cleanup timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// copyTree copies a directory recursively, skipping VCS and apex metadata.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		base := d.Name()
		if d.IsDir() && (base == ".git" || base == config.ApexDir) {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// containerName returns the deterministic container name for a task.
func containerName(taskID string) string {
	return "apex-" + strings.ToLower(taskID)
}
