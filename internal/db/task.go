package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/task"
)

// timeLayout is a fixed-width UTC layout so stored timestamps sort
// lexicographically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func marshalStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func marshalWorkspace(w *task.Workspace) string {
	if w == nil {
		return ""
	}
	b, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalWorkspace(s string) *task.Workspace {
	if s == "" {
		return nil
	}
	var w task.Workspace
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil
	}
	return &w
}

// queueOrderSQL is the canonical queue ordering tuple: priority, then effort,
// then creation time. Empty values take their defaults; unknown values sort
// after all valid ones.
const queueOrderSQL = `
	CASE priority
		WHEN 'urgent' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		WHEN '' THEN 2
		WHEN 'low' THEN 3
		ELSE 4
	END,
	CASE effort
		WHEN 'xs' THEN 0
		WHEN 'small' THEN 1
		WHEN 'medium' THEN 2
		WHEN '' THEN 2
		WHEN 'large' THEN 3
		WHEN 'xl' THEN 4
		ELSE 5
	END,
	created_at ASC`

const taskColumns = `id, description, acceptance_criteria, workflow, autonomy,
	status, priority, effort, project_path, branch_name, parent_task_id,
	subtask_ids, depends_on, blocked_by, retry_count, max_retries,
	resume_attempts, max_resume_attempts, pause_reason, paused_at, resume_after,
	input_tokens, output_tokens, total_tokens, estimated_cost, workspace,
	pr_url, error, created_at, updated_at, completed_at, archived_at, trashed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var subtasks, dependsOn, blockedBy, workspace string
	var createdAt, updatedAt string
	var pausedAt, resumeAfter, completedAt, archivedAt, trashedAt sql.NullString

	err := row.Scan(
		&t.ID, &t.Description, &t.AcceptanceCriteria, &t.Workflow, &t.Autonomy,
		&t.Status, &t.Priority, &t.Effort, &t.ProjectPath, &t.BranchName,
		&t.ParentTaskID, &subtasks, &dependsOn, &blockedBy,
		&t.RetryCount, &t.MaxRetries, &t.ResumeAttempts, &t.MaxResumeAttempts,
		&t.PauseReason, &pausedAt, &resumeAfter,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens,
		&t.Usage.EstimatedCost, &workspace, &t.PRURL, &t.Error,
		&createdAt, &updatedAt, &completedAt, &archivedAt, &trashedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SubtaskIDs = unmarshalStrings(subtasks)
	t.DependsOn = unmarshalStrings(dependsOn)
	t.BlockedBy = unmarshalStrings(blockedBy)
	t.Workspace = unmarshalWorkspace(workspace)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.PausedAt = parseTimePtr(pausedAt)
	t.ResumeAfter = parseTimePtr(resumeAfter)
	t.CompletedAt = parseTimePtr(completedAt)
	t.ArchivedAt = parseTimePtr(archivedAt)
	t.TrashedAt = parseTimePtr(trashedAt)

	return &t, nil
}

func (d *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask inserts a new task. Fails with Duplicate if the id exists.
func (d *DB) CreateTask(ctx context.Context, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.getTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return apexerrors.ErrDuplicateTask(t.ID)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = d.driver.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, t.AcceptanceCriteria, t.Workflow, string(t.Autonomy),
		string(t.Status), string(t.Priority), string(t.Effort),
		t.ProjectPath, t.BranchName, t.ParentTaskID,
		marshalStrings(t.SubtaskIDs), marshalStrings(t.DependsOn), marshalStrings(t.BlockedBy),
		t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.MaxResumeAttempts,
		string(t.PauseReason), formatTimePtr(t.PausedAt), formatTimePtr(t.ResumeAfter),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens,
		t.Usage.EstimatedCost, marshalWorkspace(t.Workspace), t.PRURL, t.Error,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.CompletedAt), formatTimePtr(t.ArchivedAt), formatTimePtr(t.TrashedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// getTask fetches a task without taking the mutex.
func (d *DB) getTask(ctx context.Context, id string) (*task.Task, error) {
	row := d.driver.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTask returns the task with the given id, or nil if it doesn't exist.
func (d *DB) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return d.getTask(ctx, id)
}

// UpdateTask persists the full task record. Fails with NotFound if the id
// doesn't exist. UpdatedAt always advances.
func (d *DB) UpdateTask(ctx context.Context, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateTask(ctx, t)
}

func (d *DB) updateTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now()

	res, err := d.driver.Exec(ctx, `
		UPDATE tasks SET
			description = ?, acceptance_criteria = ?, workflow = ?, autonomy = ?,
			status = ?, priority = ?, effort = ?, project_path = ?, branch_name = ?,
			parent_task_id = ?, subtask_ids = ?, depends_on = ?, blocked_by = ?,
			retry_count = ?, max_retries = ?, resume_attempts = ?, max_resume_attempts = ?,
			pause_reason = ?, paused_at = ?, resume_after = ?,
			input_tokens = ?, output_tokens = ?, total_tokens = ?, estimated_cost = ?,
			workspace = ?, pr_url = ?, error = ?,
			updated_at = ?, completed_at = ?, archived_at = ?, trashed_at = ?
		WHERE id = ?`,
		t.Description, t.AcceptanceCriteria, t.Workflow, string(t.Autonomy),
		string(t.Status), string(t.Priority), string(t.Effort),
		t.ProjectPath, t.BranchName, t.ParentTaskID,
		marshalStrings(t.SubtaskIDs), marshalStrings(t.DependsOn), marshalStrings(t.BlockedBy),
		t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.MaxResumeAttempts,
		string(t.PauseReason), formatTimePtr(t.PausedAt), formatTimePtr(t.ResumeAfter),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
		marshalWorkspace(t.Workspace), t.PRURL, t.Error,
		formatTime(t.UpdatedAt),
		formatTimePtr(t.CompletedAt), formatTimePtr(t.ArchivedAt), formatTimePtr(t.TrashedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return apexerrors.ErrTaskNotFound(t.ID)
	}
	return nil
}

// UpdateTaskUsage persists only the task's usage counters, leaving the rest
// of the row untouched.
func (d *DB) UpdateTaskUsage(ctx context.Context, id string, u task.Usage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.driver.Exec(ctx, `
		UPDATE tasks SET
			input_tokens = ?, output_tokens = ?, total_tokens = ?, estimated_cost = ?,
			updated_at = ?
		WHERE id = ?`,
		u.InputTokens, u.OutputTokens, u.TotalTokens, u.EstimatedCost,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update task usage %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task usage %s: %w", id, err)
	}
	if n == 0 {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}

// UpdateTaskRetryCount persists the task's retry counter.
func (d *DB) UpdateTaskRetryCount(ctx context.Context, id string, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.driver.Exec(ctx, `
		UPDATE tasks SET retry_count = ?, updated_at = ? WHERE id = ?`,
		count, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update task retry count %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task retry count %s: %w", id, err)
	}
	if n == 0 {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}

// UpdateTaskStatus performs an atomic status transition, rejecting illegal
// ones. taskErr is recorded on transitions to failed. A transition to
// completed resets the resume attempt counter.
func (d *DB) UpdateTaskStatus(ctx context.Context, id string, status task.Status, taskErr string) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apexerrors.ErrTaskNotFound(id)
	}
	if !task.CanTransition(t.Status, status) {
		return nil, apexerrors.ErrIllegalTransition(id, string(t.Status), string(status))
	}

	from := t.Status
	t.Status = status
	now := time.Now()

	switch status {
	case task.StatusCompleted:
		t.CompletedAt = &now
		t.ResumeAttempts = 0
		t.Error = ""
	case task.StatusFailed:
		if taskErr != "" {
			t.Error = taskErr
		}
	case task.StatusPaused:
		t.PausedAt = &now
	}

	// Leaving paused clears pause metadata, except the terminal
	// resume-exhaustion edge which keeps it for diagnostics.
	if from == task.StatusPaused && status != task.StatusFailed {
		t.PauseReason = ""
		t.PausedAt = nil
		t.ResumeAfter = nil
	}

	if err := d.updateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// PauseTask transitions a task to paused with the given reason and optional
// earliest-resume time.
func (d *DB) PauseTask(ctx context.Context, id string, reason task.PauseReason, resumeAfter *time.Time) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apexerrors.ErrTaskNotFound(id)
	}
	if !task.CanTransition(t.Status, task.StatusPaused) {
		return nil, apexerrors.ErrIllegalTransition(id, string(t.Status), string(task.StatusPaused))
	}

	now := time.Now()
	t.Status = task.StatusPaused
	t.PauseReason = reason
	t.PausedAt = &now
	t.ResumeAfter = resumeAfter

	if err := d.updateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskFilter selects tasks in ListTasks.
type TaskFilter struct {
	Status          task.Status
	IncludeTrashed  bool
	IncludeArchived bool
	OrderByPriority bool
	Limit           int
}

// ListTasks returns tasks matching the filter. Trashed and archived tasks
// are excluded unless explicitly included.
func (d *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.IncludeTrashed {
		where = append(where, "trashed_at IS NULL")
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.OrderByPriority {
		query += " ORDER BY " + queueOrderSQL
	} else {
		query += " ORDER BY created_at ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return d.queryTasks(ctx, query, args...)
}

// GetAllTasks returns all non-trashed, non-archived tasks.
func (d *DB) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	return d.ListTasks(ctx, TaskFilter{})
}

// GetTasksByStatus returns tasks in the given status.
func (d *DB) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return d.ListTasks(ctx, TaskFilter{Status: status})
}

// GetPendingTasks returns all pending tasks ordered by the queue tuple.
func (d *DB) GetPendingTasks(ctx context.Context) ([]*task.Task, error) {
	return d.ListTasks(ctx, TaskFilter{Status: task.StatusPending, OrderByPriority: true})
}

// completedIDs returns the set of completed task ids, including archived and
// trashed ones so dependency checks see every completion.
func (d *DB) completedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := d.driver.Query(ctx, `SELECT id FROM tasks WHERE status = ?`, string(task.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("query completed tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// GetReadyTasks returns pending tasks whose dependencies are all completed.
func (d *DB) GetReadyTasks(ctx context.Context, orderByPriority bool) ([]*task.Task, error) {
	pending, err := d.ListTasks(ctx, TaskFilter{Status: task.StatusPending, OrderByPriority: orderByPriority})
	if err != nil {
		return nil, err
	}
	done, err := d.completedIDs(ctx)
	if err != nil {
		return nil, err
	}

	var ready []*task.Task
	for _, t := range pending {
		if t.IsAdmissible(done) {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// GetNextQueuedTask returns the highest-priority admissible pending task, or
// nil when the queue is empty.
func (d *DB) GetNextQueuedTask(ctx context.Context) (*task.Task, error) {
	ready, err := d.GetReadyTasks(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	return ready[0], nil
}

// GetPausedTasksForResume returns paused tasks whose pause reason is eligible
// for auto-resume, ordered by the queue tuple.
func (d *DB) GetPausedTasksForResume(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND pause_reason IN (?, ?, ?, ?)
		AND trashed_at IS NULL AND archived_at IS NULL
		ORDER BY ` + queueOrderSQL
	return d.queryTasks(ctx, query,
		string(task.StatusPaused),
		string(task.PauseSessionLimit), string(task.PauseUsageLimit),
		string(task.PauseCapacity), string(task.PauseBudget),
	)
}

// FindHighestPriorityParentTask returns the best paused parent task eligible
// for auto-resume, or nil when there is none.
func (d *DB) FindHighestPriorityParentTask(ctx context.Context) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND pause_reason IN (?, ?, ?, ?)
		AND subtask_ids != '[]' AND subtask_ids != ''
		AND trashed_at IS NULL AND archived_at IS NULL
		ORDER BY ` + queueOrderSQL + ` LIMIT 1`
	tasks, err := d.queryTasks(ctx, query,
		string(task.StatusPaused),
		string(task.PauseSessionLimit), string(task.PauseUsageLimit),
		string(task.PauseCapacity), string(task.PauseBudget),
	)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// TrashTask moves a task to the trash. Trashing is idempotent.
func (d *DB) TrashTask(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := formatTime(time.Now())
	res, err := d.driver.Exec(ctx,
		`UPDATE tasks SET trashed_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("trash task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}

// RestoreTask returns a trashed task to the regular listing.
func (d *DB) RestoreTask(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := formatTime(time.Now())
	res, err := d.driver.Exec(ctx,
		`UPDATE tasks SET trashed_at = NULL, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("restore task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}

// ListTrashed returns all trashed tasks, newest first.
func (d *DB) ListTrashed(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE trashed_at IS NOT NULL ORDER BY trashed_at DESC`
	return d.queryTasks(ctx, query)
}

// EmptyTrash permanently deletes all trashed tasks and returns their ids.
// Child rows are removed by cascade; workspace cleanup is the caller's
// responsibility.
func (d *DB) EmptyTrash(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.driver.Query(ctx, `SELECT id FROM tasks WHERE trashed_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query trash: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := d.driver.Exec(ctx, `DELETE FROM tasks WHERE trashed_at IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("empty trash: %w", err)
	}
	return ids, nil
}

// ArchiveTask archives a completed task. Logs and artifacts are kept.
func (d *DB) ArchiveTask(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return apexerrors.ErrTaskNotFound(id)
	}
	if t.Status != task.StatusCompleted {
		return apexerrors.ErrArchiveNotCompleted(id, string(t.Status))
	}

	now := formatTime(time.Now())
	_, err = d.driver.Exec(ctx,
		`UPDATE tasks SET archived_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	return nil
}

// UnarchiveTask returns an archived task to the regular listing.
func (d *DB) UnarchiveTask(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := formatTime(time.Now())
	res, err := d.driver.Exec(ctx,
		`UPDATE tasks SET archived_at = NULL, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("unarchive task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}

// ListArchived returns all archived tasks, newest first.
func (d *DB) ListArchived(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE archived_at IS NOT NULL ORDER BY archived_at DESC`
	return d.queryTasks(ctx, query)
}

// GetLastActivityTime returns the most recent task update, or the zero time
// when the store is empty.
func (d *DB) GetLastActivityTime(ctx context.Context) (time.Time, error) {
	var ns sql.NullString
	row := d.driver.QueryRow(ctx, `SELECT MAX(updated_at) FROM tasks`)
	if err := row.Scan(&ns); err != nil {
		return time.Time{}, fmt.Errorf("query last activity: %w", err)
	}
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String), nil
}
