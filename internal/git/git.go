// Package git wraps the git CLI for worktree and merge operations.
package git

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// WorktreesDirName is the sibling directory holding task worktrees. It lives
// next to the project, never inside it, so worktrees cannot nest.
const WorktreesDirName = ".apex-worktrees"

// Git provides git operations for one repository.
type Git struct {
	repoPath string
	runner   CommandRunner
	logger   *slog.Logger

	// mu serializes compound operations (checkout+pull+merge) that would
	// corrupt each other if interleaved.
	mu sync.Mutex
}

// Option configures a Git instance.
type Option func(*Git)

// WithRunner substitutes the command runner, used by tests.
func WithRunner(r CommandRunner) Option {
	return func(g *Git) { g.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Git) { g.logger = l }
}

// New creates a Git instance for the repository at repoPath.
func New(repoPath string, opts ...Option) *Git {
	g := &Git{
		repoPath: repoPath,
		runner:   NewExecRunner(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RepoPath returns the repository root this instance operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

func (g *Git) git(args ...string) (string, error) {
	return g.runner.Run(g.repoPath, "git", args...)
}

// IsRepo reports whether the path is inside a git work tree.
func (g *Git) IsRepo() bool {
	out, err := g.git("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// DefaultBranch returns the repository's default branch: main, then master,
// then whatever HEAD points at.
func (g *Git) DefaultBranch() string {
	return g.defaultBranchLocked()
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	return g.git("rev-parse", "--abbrev-ref", "HEAD")
}

// WorktreesDir returns the worktree parent directory for a project path.
func WorktreesDir(projectPath string) string {
	return filepath.Join(filepath.Dir(projectPath), WorktreesDirName)
}

// WorktreePath returns the deterministic worktree path for a task.
func WorktreePath(projectPath, taskID string) string {
	return filepath.Join(WorktreesDir(projectPath), taskID)
}

// AddWorktree creates a worktree for the task at the deterministic path on
// the given branch, creating the branch if it doesn't exist. Returns the
// worktree path.
func (g *Git) AddWorktree(taskID, branch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if branch == "" {
		branch = "apex/" + taskID
	}
	path := WorktreePath(g.repoPath, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	if _, err := g.git("worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		// branch may already exist; attach to it instead
		if _, err := g.git("worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("create worktree for %s: %w", taskID, err)
		}
	}
	return path, nil
}

// RemoveWorktree removes a worktree and prunes stale registrations.
func (g *Git) RemoveWorktree(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git("worktree", "remove", "--force", path); err != nil {
		// fall back to deleting the directory, then prune
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	if _, err := g.git("worktree", "prune"); err != nil {
		g.logger.Warn("git worktree prune failed", "error", err)
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations.
func (g *Git) PruneWorktrees() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.git("worktree", "prune")
	return err
}

// CommitAll stages everything in workDir and commits with the given message.
// Returns the commit hash; a clean tree returns the current HEAD.
func (g *Git) CommitAll(workDir, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.runner.Run(workDir, "git", "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	if out, err := g.runner.Run(workDir, "git", "status", "--porcelain"); err == nil && out == "" {
		return g.runner.Run(workDir, "git", "rev-parse", "HEAD")
	}
	if _, err := g.runner.Run(workDir, "git", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return g.runner.Run(workDir, "git", "rev-parse", "HEAD")
}

// MergeResult reports the outcome of MergeBranch without throwing.
type MergeResult struct {
	Success      bool     `json:"success"`
	CommitHash   string   `json:"commit_hash,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// MergeBranch merges the task branch into the default branch. Pull failures
// only warn; merge failures are reported in the result, never returned.
func (g *Git) MergeBranch(branch string, squash bool) MergeResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	target := g.defaultBranchLocked()

	if _, err := g.git("checkout", target); err != nil {
		return MergeResult{Error: fmt.Sprintf("checkout %s: %v", target, err)}
	}
	if _, err := g.git("pull", "--ff-only"); err != nil {
		g.logger.Warn("pull before merge failed; merging local state", "branch", target, "error", err)
	}

	before, _ := g.git("rev-parse", "HEAD")

	if squash {
		if _, err := g.git("merge", "--squash", branch); err != nil {
			g.abortMerge()
			return MergeResult{Error: fmt.Sprintf("squash merge %s: %v", branch, err)}
		}
		if _, err := g.git("commit", "-m", fmt.Sprintf("Merge %s (squashed)", branch)); err != nil {
			g.abortMerge()
			return MergeResult{Error: fmt.Sprintf("squash commit: %v", err)}
		}
	} else {
		if _, err := g.git("merge", "--no-edit", branch); err != nil {
			g.abortMerge()
			return MergeResult{Error: fmt.Sprintf("merge %s: %v", branch, err)}
		}
	}

	hash, err := g.git("rev-parse", "HEAD")
	if err != nil {
		return MergeResult{Error: fmt.Sprintf("resolve merge commit: %v", err)}
	}

	var changed []string
	if before != "" && before != hash {
		if out, err := g.git("diff", "--name-only", before, hash); err == nil && out != "" {
			changed = strings.Split(out, "\n")
		}
	}

	return MergeResult{Success: true, CommitHash: hash, ChangedFiles: changed}
}

// defaultBranchLocked is DefaultBranch for callers already holding mu.
func (g *Git) defaultBranchLocked() string {
	for _, name := range []string{"main", "master"} {
		if _, err := g.git("rev-parse", "--verify", "refs/heads/"+name); err == nil {
			return name
		}
	}
	out, err := g.git("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "main"
	}
	return out
}

func (g *Git) abortMerge() {
	if _, err := g.git("merge", "--abort"); err != nil {
		g.logger.Debug("merge abort failed", "error", err)
	}
}
