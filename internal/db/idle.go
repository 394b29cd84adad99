package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/task"
)

// IdleTask is a background improvement suggestion produced during idle
// periods. Implemented entries stay around as a record of what was done.
type IdleTask struct {
	ID          string
	Type        string
	Description string
	Priority    task.Priority
	Implemented bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateIdleTask inserts a new idle task, generating an id when missing.
func (d *DB) CreateIdleTask(ctx context.Context, it *IdleTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	implemented := 0
	if it.Implemented {
		implemented = 1
	}

	_, err := d.driver.Exec(ctx, `
		INSERT INTO idle_tasks (id, type, description, priority, implemented, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Type, it.Description, string(it.Priority), implemented,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert idle task: %w", err)
	}
	return nil
}

// UpdateIdleTask persists the full idle task record.
func (d *DB) UpdateIdleTask(ctx context.Context, it *IdleTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	it.UpdatedAt = time.Now()
	implemented := 0
	if it.Implemented {
		implemented = 1
	}

	res, err := d.driver.Exec(ctx, `
		UPDATE idle_tasks SET type = ?, description = ?, priority = ?, implemented = ?, updated_at = ?
		WHERE id = ?`,
		it.Type, it.Description, string(it.Priority), implemented, formatTime(it.UpdatedAt), it.ID)
	if err != nil {
		return fmt.Errorf("update idle task %s: %w", it.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrNotFound("idle task", it.ID)
	}
	return nil
}

// DeleteIdleTask removes an idle task.
func (d *DB) DeleteIdleTask(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.driver.Exec(ctx, `DELETE FROM idle_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete idle task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrNotFound("idle task", id)
	}
	return nil
}

// IdleTaskFilter selects idle tasks in ListIdleTasks.
type IdleTaskFilter struct {
	Type        string
	Priority    task.Priority
	Implemented *bool
	Limit       int
}

// ListIdleTasks returns idle tasks matching the filter, newest first.
func (d *DB) ListIdleTasks(ctx context.Context, filter IdleTaskFilter) ([]*IdleTask, error) {
	var where []string
	var args []any

	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Implemented != nil {
		v := 0
		if *filter.Implemented {
			v = 1
		}
		where = append(where, "implemented = ?")
		args = append(args, v)
	}

	query := `SELECT id, type, description, priority, implemented, created_at, updated_at FROM idle_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query idle tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*IdleTask
	for rows.Next() {
		it, err := scanIdleTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle task: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetIdleTask returns one idle task, or nil if absent.
func (d *DB) GetIdleTask(ctx context.Context, id string) (*IdleTask, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT id, type, description, priority, implemented, created_at, updated_at
		FROM idle_tasks WHERE id = ?`, id)
	it, err := scanIdleTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idle task %s: %w", id, err)
	}
	return it, nil
}

func scanIdleTask(row scanner) (*IdleTask, error) {
	var it IdleTask
	var priority, createdAt, updatedAt string
	var implemented int
	if err := row.Scan(&it.ID, &it.Type, &it.Description, &priority, &implemented, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	it.Priority = task.Priority(priority)
	it.Implemented = implemented != 0
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}
