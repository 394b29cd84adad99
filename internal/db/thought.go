package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	apexerrors "github.com/randalmurphal/apex/internal/errors"
)

// Thought is a free-form captured idea. A thought may later be promoted into
// a real task, which marks it implemented.
type Thought struct {
	ID          string
	Content     string
	Tags        []string
	Implemented bool
	TaskID      string
	CreatedAt   time.Time
}

// CreateThought stores a new thought, generating an id when missing.
func (d *DB) CreateThought(ctx context.Context, th *Thought) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now()
	}

	implemented := 0
	if th.Implemented {
		implemented = 1
	}

	_, err := d.driver.Exec(ctx, `
		INSERT INTO thoughts (id, content, tags, implemented, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		th.ID, th.Content, marshalStrings(th.Tags), implemented, th.TaskID, formatTime(th.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert thought: %w", err)
	}
	return nil
}

// GetThought returns one thought, or nil if absent.
func (d *DB) GetThought(ctx context.Context, id string) (*Thought, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT id, content, tags, implemented, task_id, created_at
		FROM thoughts WHERE id = ?`, id)
	th, err := scanThought(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thought %s: %w", id, err)
	}
	return th, nil
}

// ListThoughts returns all thoughts, newest first.
func (d *DB) ListThoughts(ctx context.Context) ([]*Thought, error) {
	return d.queryThoughts(ctx, `
		SELECT id, content, tags, implemented, task_id, created_at
		FROM thoughts ORDER BY created_at DESC`)
}

// SearchThoughts returns thoughts whose content or tags contain the query,
// case-insensitively, newest first.
func (d *DB) SearchThoughts(ctx context.Context, query string) ([]*Thought, error) {
	like := "%" + query + "%"
	return d.queryThoughts(ctx, `
		SELECT id, content, tags, implemented, task_id, created_at
		FROM thoughts
		WHERE LOWER(content) LIKE LOWER(?) OR LOWER(tags) LIKE LOWER(?)
		ORDER BY created_at DESC`, like, like)
}

// PromoteThought marks a thought implemented and links it to the task that
// realizes it. Fails when the thought was already implemented.
func (d *DB) PromoteThought(ctx context.Context, id, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	th, err := d.GetThought(ctx, id)
	if err != nil {
		return err
	}
	if th == nil {
		return apexerrors.ErrNotFound("thought", id)
	}
	if th.Implemented {
		return &apexerrors.Error{
			Code: apexerrors.CodeIllegalState,
			What: fmt.Sprintf("thought %s was already implemented", id),
			Why:  fmt.Sprintf("It was promoted into task %s", th.TaskID),
			Fix:  "Capture a new thought instead",
		}
	}

	_, err = d.driver.Exec(ctx,
		`UPDATE thoughts SET implemented = 1, task_id = ? WHERE id = ?`, taskID, id)
	if err != nil {
		return fmt.Errorf("promote thought %s: %w", id, err)
	}
	return nil
}

// DeleteThought removes a thought.
func (d *DB) DeleteThought(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.driver.Exec(ctx, `DELETE FROM thoughts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thought %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apexerrors.ErrNotFound("thought", id)
	}
	return nil
}

func (d *DB) queryThoughts(ctx context.Context, query string, args ...any) ([]*Thought, error) {
	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query thoughts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Thought
	for rows.Next() {
		th, err := scanThought(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func scanThought(row scanner) (*Thought, error) {
	var th Thought
	var tags, createdAt string
	var implemented int
	if err := row.Scan(&th.ID, &th.Content, &tags, &implemented, &th.TaskID, &createdAt); err != nil {
		return nil, err
	}
	th.Tags = unmarshalStrings(tags)
	th.Implemented = implemented != 0
	th.CreatedAt = parseTime(createdAt)
	return &th, nil
}
