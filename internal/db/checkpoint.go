package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/apex/internal/task"
)

// SaveCheckpoint stores a resume snapshot for a task and returns its id.
// A missing checkpoint id is generated.
func (d *DB) SaveCheckpoint(ctx context.Context, taskID string, ckpt task.Checkpoint) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireTask(ctx, taskID); err != nil {
		return "", err
	}

	if ckpt.ID == "" {
		ckpt.ID = uuid.NewString()
	}
	if ckpt.CreatedAt.IsZero() {
		ckpt.CreatedAt = time.Now()
	}

	metadata, err := json.Marshal(ckpt.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint metadata: %w", err)
	}

	_, err = d.driver.Exec(ctx, `
		INSERT INTO checkpoints (id, task_id, stage, stage_index, conversation_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ckpt.ID, taskID, ckpt.Stage, ckpt.StageIndex,
		ckpt.ConversationState, string(metadata), formatTime(ckpt.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert checkpoint for %s: %w", taskID, err)
	}
	return ckpt.ID, nil
}

func scanCheckpoint(row scanner) (*task.Checkpoint, error) {
	var c task.Checkpoint
	var metadata, createdAt string
	if err := row.Scan(&c.ID, &c.Stage, &c.StageIndex, &c.ConversationState, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &c.Metadata)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// GetCheckpoint returns one checkpoint of a task, or nil if absent.
func (d *DB) GetCheckpoint(ctx context.Context, taskID, checkpointID string) (*task.Checkpoint, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT id, stage, stage_index, conversation_state, metadata, created_at
		FROM checkpoints WHERE task_id = ? AND id = ?`, taskID, checkpointID)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", checkpointID, err)
	}
	return c, nil
}

// GetLatestCheckpoint returns the most recent checkpoint of a task, or nil.
func (d *DB) GetLatestCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT id, stage, stage_index, conversation_state, metadata, created_at
		FROM checkpoints WHERE task_id = ?
		ORDER BY created_at DESC LIMIT 1`, taskID)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint for %s: %w", taskID, err)
	}
	return c, nil
}

// ListCheckpoints returns all checkpoints of a task, oldest first.
func (d *DB) ListCheckpoints(ctx context.Context, taskID string) ([]task.Checkpoint, error) {
	if err := d.requireTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := d.driver.Query(ctx, `
		SELECT id, stage, stage_index, conversation_state, metadata, created_at
		FROM checkpoints WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []task.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, *c)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpoints removes all checkpoints of a task.
func (d *DB) DeleteCheckpoints(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.driver.Exec(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", taskID, err)
	}
	return nil
}
