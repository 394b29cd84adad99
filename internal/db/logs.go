package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/task"
)

// AddLog appends a log entry to a task's log stream.
func (d *DB) AddLog(ctx context.Context, taskID string, entry task.LogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = task.LogInfo
	}

	metadata := "{}"
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := d.driver.Exec(ctx, `
		INSERT INTO task_logs (task_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, string(entry.Level), entry.Message, metadata, formatTime(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("insert log for %s: %w", taskID, err)
	}
	return nil
}

// GetLogs returns a task's log entries in append order.
func (d *DB) GetLogs(ctx context.Context, taskID string) ([]task.LogEntry, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT level, message, metadata, created_at
		FROM task_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query logs for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []task.LogEntry
	for rows.Next() {
		var e task.LogEntry
		var level, metadata, createdAt string
		if err := rows.Scan(&level, &e.Message, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Level = task.LogLevel(level)
		e.Timestamp = parseTime(createdAt)
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddArtifact records a file produced during task execution.
func (d *DB) AddArtifact(ctx context.Context, taskID string, a task.Artifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.driver.Exec(ctx, `
		INSERT INTO artifacts (task_id, path, kind, created_at)
		VALUES (?, ?, ?, ?)`,
		taskID, a.Path, a.Kind, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert artifact for %s: %w", taskID, err)
	}
	return nil
}

// GetArtifacts returns a task's artifacts in insertion order.
func (d *DB) GetArtifacts(ctx context.Context, taskID string) ([]task.Artifact, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT path, kind FROM artifacts WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []task.Artifact
	for rows.Next() {
		var a task.Artifact
		if err := rows.Scan(&a.Path, &a.Kind); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// taskExists reports whether a task row exists, without the mutex.
func (d *DB) taskExists(ctx context.Context, id string) (bool, error) {
	var one int
	row := d.driver.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id)
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", id, err)
	}
	return true, nil
}

// requireTask returns NotFound unless the task exists.
func (d *DB) requireTask(ctx context.Context, id string) error {
	ok, err := d.taskExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apexerrors.ErrTaskNotFound(id)
	}
	return nil
}
