// Package orchestrator is the façade that owns the store, engine, and
// workspace manager, and exposes the task API and event stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/db"
	"github.com/randalmurphal/apex/internal/engine"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/events"
	"github.com/randalmurphal/apex/internal/git"
	"github.com/randalmurphal/apex/internal/task"
	"github.com/randalmurphal/apex/internal/util"
	"github.com/randalmurphal/apex/internal/workspace"
)

// Orchestrator coordinates the store, workspace manager, and workflow engine.
type Orchestrator struct {
	cfg        *config.Config
	store      *db.DB
	engine     *engine.Engine
	workspaces *workspace.Manager
	publisher  events.Publisher
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New wires an Orchestrator from its collaborators.
func New(
	cfg *config.Config,
	store *db.DB,
	eng *engine.Engine,
	workspaces *workspace.Manager,
	publisher events.Publisher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		engine:     eng,
		workspaces: workspaces,
		publisher:  publisher,
		logger:     slog.Default(),
		running:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateTask validates, provisions a workspace for, and persists a new task.
// A worktree that cannot be created degrades the task to no isolation with a
// warning rather than failing creation.
func (o *Orchestrator) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}
	if t.MaxResumeAttempts == 0 {
		t.MaxResumeAttempts = task.DefaultMaxResumeAttempts
	}
	if t.ProjectPath == "" {
		t.ProjectPath = o.cfg.ProjectPath
	}
	if t.BranchName == "" {
		t.BranchName = "apex/" + t.ID
	}

	if t.ParentTaskID != "" {
		parent, err := o.store.GetTask(ctx, t.ParentTaskID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, apexerrors.ErrTaskNotFound(t.ParentTaskID)
		}
		// Subtasks always run in the parent's checkout.
		t.ProjectPath = parent.ProjectPath
	}

	if err := o.validateDependencies(ctx, t); err != nil {
		return nil, err
	}

	ws, err := o.workspaces.CreateWorkspace(ctx, t)
	if err != nil {
		o.logger.Warn("workspace creation failed, running without isolation",
			"task", t.ID, "error", err)
		ws = &task.Workspace{Strategy: task.WorkspaceNone}
	}
	t.Workspace = ws

	if err := o.store.CreateTask(ctx, t); err != nil {
		o.workspaces.CleanupWorkspace(t.ID, ws, 0)
		return nil, err
	}

	if t.ParentTaskID != "" {
		if err := o.attachSubtask(ctx, t.ParentTaskID, t.ID); err != nil {
			o.logger.Warn("could not attach subtask to parent",
				"task", t.ID, "parent", t.ParentTaskID, "error", err)
		}
	}

	o.publisher.Publish(events.NewEvent(events.EventTaskCreated, t.ID, nil))
	o.logger.Info("task created", "task", t.ID, "priority", t.GetPriority(), "workflow", t.Workflow)
	return t, nil
}

func (o *Orchestrator) validateDependencies(ctx context.Context, t *task.Task) error {
	if len(t.DependsOn) == 0 {
		return nil
	}

	all, err := o.store.GetAllTasks(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*task.Task, len(all))
	existing := make(map[string]bool, len(all))
	for _, other := range all {
		byID[other.ID] = other
		existing[other.ID] = true
	}

	if errs := task.ValidateDependsOn(t.ID, t.DependsOn, existing); len(errs) > 0 {
		return errs[0]
	}
	if cycle := task.DetectDependencyCycle(t.ID, t.DependsOn, byID); cycle != nil {
		return apexerrors.ErrDependencyCycle(t.ID, cycle)
	}
	return nil
}

func (o *Orchestrator) attachSubtask(ctx context.Context, parentID, subID string) error {
	parent, err := o.store.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return apexerrors.ErrTaskNotFound(parentID)
	}
	parent.SubtaskIDs = append(parent.SubtaskIDs, subID)
	return o.store.UpdateTask(ctx, parent)
}

// ExecuteTask runs a task's workflow to a terminal or paused state. The
// execution is cancellable via CancelTask.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.track(taskID, cancel)
	defer o.untrack(taskID)

	err := o.engine.ExecuteTask(ctx, taskID)
	o.afterRun(ctx, taskID)
	return err
}

// ResumeTask continues a paused task from its checkpoint.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID, checkpointID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.track(taskID, cancel)
	defer o.untrack(taskID)

	err := o.engine.ResumeTask(ctx, taskID, checkpointID)
	o.afterRun(ctx, taskID)
	return err
}

// afterRun applies the workspace preservation policy once a run has reached
// a terminal status.
func (o *Orchestrator) afterRun(ctx context.Context, taskID string) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil || t == nil {
		return
	}
	if t.IsTerminal() {
		o.workspaces.HandleStatusChange(t, t.Status)
	}
}

func (o *Orchestrator) track(taskID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[taskID] = cancel
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, taskID)
}

// RunningTasks returns the IDs of in-flight executions.
func (o *Orchestrator) RunningTasks() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// CancelTask cancels an in-flight execution (if any) and transitions the
// task to cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	if cancel, ok := o.running[taskID]; ok {
		cancel()
	}
	o.mu.Unlock()

	t, err := o.store.UpdateTaskStatus(ctx, taskID, task.StatusCancelled, "")
	if err != nil {
		return err
	}
	o.workspaces.HandleStatusChange(t, task.StatusCancelled)
	o.logger.Info("task cancelled", "task", taskID)
	return nil
}

// CompleteTask marks a task completed, enforcing the parent guard: a parent
// cannot complete while any subtask is non-terminal.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apexerrors.ErrTaskNotFound(taskID)
	}

	if len(t.SubtaskIDs) > 0 {
		all, err := o.store.GetAllTasks(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string]*task.Task, len(all))
		for _, other := range all {
			byID[other.ID] = other
		}
		if t.HasNonTerminalSubtasks(byID) {
			return &apexerrors.Error{
				Code: apexerrors.CodeIllegalState,
				What: fmt.Sprintf("task %s cannot complete", taskID),
				Why:  "One or more subtasks are still pending, running, or paused",
				Fix:  "Complete or cancel the subtasks first",
			}
		}
	}

	updated, err := o.store.UpdateTaskStatus(ctx, taskID, task.StatusCompleted, "")
	if err != nil {
		return err
	}
	o.publisher.Publish(events.NewEvent(events.EventTaskCompleted, taskID, nil))
	o.workspaces.HandleStatusChange(updated, task.StatusCompleted)
	return nil
}

// MergeTaskBranch merges a task's branch into the default branch.
func (o *Orchestrator) MergeTaskBranch(ctx context.Context, taskID string, squash bool) (git.MergeResult, error) {
	return o.engine.MergeTaskBranch(ctx, taskID, squash)
}

// GetTask returns a task or nil.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasks queries tasks through the store filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter db.TaskFilter) ([]*task.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// GetLogs returns a task's log entries.
func (o *Orchestrator) GetLogs(ctx context.Context, taskID string) ([]task.LogEntry, error) {
	return o.store.GetLogs(ctx, taskID)
}

// Subscribe returns an event channel; use events.GlobalTaskID for all tasks.
func (o *Orchestrator) Subscribe(taskID string) <-chan events.Event {
	return o.publisher.Subscribe(taskID)
}

// Unsubscribe removes an event channel.
func (o *Orchestrator) Unsubscribe(taskID string, ch <-chan events.Event) {
	o.publisher.Unsubscribe(taskID, ch)
}

// TrashTask soft-deletes a task and removes its workspace immediately.
func (o *Orchestrator) TrashTask(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apexerrors.ErrTaskNotFound(taskID)
	}
	if err := o.store.TrashTask(ctx, taskID); err != nil {
		return err
	}
	o.workspaces.HandleTrashed(t)
	return nil
}

// RestoreTask brings a task back from the trash.
func (o *Orchestrator) RestoreTask(ctx context.Context, taskID string) error {
	return o.store.RestoreTask(ctx, taskID)
}

// EmptyTrash permanently deletes trashed tasks, returning the deleted ids.
func (o *Orchestrator) EmptyTrash(ctx context.Context) ([]string, error) {
	return o.store.EmptyTrash(ctx)
}

// ArchiveTask archives a completed task.
func (o *Orchestrator) ArchiveTask(ctx context.Context, taskID string) error {
	return o.store.ArchiveTask(ctx, taskID)
}

// UnarchiveTask reverses an archive.
func (o *Orchestrator) UnarchiveTask(ctx context.Context, taskID string) error {
	return o.store.UnarchiveTask(ctx, taskID)
}

// CaptureThought records a free-form idea and mirrors it to thoughts.json.
func (o *Orchestrator) CaptureThought(ctx context.Context, content string, tags []string) (*db.Thought, error) {
	th := &db.Thought{Content: content, Tags: tags}
	if err := o.store.CreateThought(ctx, th); err != nil {
		return nil, err
	}
	o.rewriteThoughtsFile(ctx)
	return th, nil
}

// SearchThoughts finds thoughts by content or tag substring.
func (o *Orchestrator) SearchThoughts(ctx context.Context, query string) ([]*db.Thought, error) {
	return o.store.SearchThoughts(ctx, query)
}

// ListThoughts returns all captured thoughts.
func (o *Orchestrator) ListThoughts(ctx context.Context) ([]*db.Thought, error) {
	return o.store.ListThoughts(ctx)
}

// PromoteThought turns a thought into a real pending task. Promoting an
// already-implemented thought fails.
func (o *Orchestrator) PromoteThought(ctx context.Context, thoughtID string) (*task.Task, error) {
	th, err := o.store.GetThought(ctx, thoughtID)
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, apexerrors.ErrNotFound("thought", thoughtID)
	}
	if th.Implemented {
		return nil, &apexerrors.Error{
			Code: apexerrors.CodeIllegalState,
			What: fmt.Sprintf("thought %s is already implemented", thoughtID),
			Why:  fmt.Sprintf("It was promoted to task %s", th.TaskID),
		}
	}

	t := task.New(uuid.NewString(), th.Content)
	created, err := o.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := o.store.PromoteThought(ctx, thoughtID, created.ID); err != nil {
		return nil, err
	}
	o.rewriteThoughtsFile(ctx)
	return created, nil
}

// thoughtRecord is the thoughts.json wire format.
type thoughtRecord struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	Implemented bool     `json:"implemented"`
	TaskID      string   `json:"task_id,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// rewriteThoughtsFile mirrors the thought rows to .apex/thoughts.json so
// external tools can read them without the store. Failures only warn.
func (o *Orchestrator) rewriteThoughtsFile(ctx context.Context) {
	if o.cfg.ProjectPath == "" {
		return
	}
	all, err := o.store.ListThoughts(ctx)
	if err != nil {
		o.logger.Warn("thoughts file rewrite failed", "error", err)
		return
	}

	records := make([]thoughtRecord, 0, len(all))
	for _, th := range all {
		records = append(records, thoughtRecord{
			ID:          th.ID,
			Content:     th.Content,
			Tags:        th.Tags,
			Implemented: th.Implemented,
			TaskID:      th.TaskID,
			CreatedAt:   th.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		o.logger.Warn("thoughts file rewrite failed", "error", err)
		return
	}
	path := filepath.Join(o.cfg.ProjectPath, config.ApexDir, "thoughts.json")
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		o.logger.Warn("thoughts file rewrite failed", "path", path, "error", err)
	}
}

// CleanupMergedWorktrees scans terminal tasks with PR URLs and removes
// worktrees whose PRs have merged.
func (o *Orchestrator) CleanupMergedWorktrees(ctx context.Context) int {
	all, err := o.store.GetAllTasks(ctx)
	if err != nil {
		o.logger.Warn("merged worktree scan failed", "error", err)
		return 0
	}
	// Merged-status checks hit the hosting provider; bound the fan-out.
	var cleaned atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range all {
		if !t.IsTerminal() {
			continue
		}
		g.Go(func() error {
			if o.workspaces.CleanupMergedWorktree(ctx, t) {
				cleaned.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(cleaned.Load())
}

// Close releases orchestrator resources (pending workspace timers).
func (o *Orchestrator) Close() {
	o.workspaces.Close()
}
