package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aletho/foreman/internal/scheduler"
)

// UpsertTask saves or updates a task and its dependency rows in one
// transaction, so a crash can never leave a task half-updated.
func (s *Store) UpsertTask(ctx context.Context, t *scheduler.Task) error {
	return s.UpsertTasks(ctx, []*scheduler.Task{t})
}

// UpsertTasks writes a batch of tasks atomically: either every task and its
// dependency rows land, or none do. Used for planner breakdowns so a crash
// mid-insert cannot persist a partial plan.
func (s *Store) UpsertTasks(ctx context.Context, tasks []*scheduler.Task) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if err := upsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tasks: %w", err)
	}
	return nil
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t *scheduler.Task) error {
	feedback, err := json.Marshal(t.Feedback)
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, role, description, priority, status, retries, feedback, block_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			role = excluded.role,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			retries = excluded.retries,
			feedback = excluded.feedback,
			block_reason = excluded.block_reason,
			completed_at = excluded.completed_at
	`, t.ID, t.SessionID, string(t.Role), t.Description, t.Priority, string(t.Status),
		t.Retries, string(feedback), t.BlockReason, t.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE session_id = ? AND task_id = ?
	`, t.SessionID, t.ID)
	if err != nil {
		return fmt.Errorf("clearing old dependencies: %w", err)
	}

	for _, depID := range t.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (session_id, task_id, depends_on_id)
			VALUES (?, ?, ?)
		`, t.SessionID, t.ID, depID)
		if err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", t.ID, depID, err)
		}
	}
	return nil
}

// GetTask retrieves one task with its dependencies.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, description, priority, status, retries, feedback, block_reason, created_at, completed_at
		FROM tasks
		WHERE session_id = ? AND id = ?
	`, sessionID, taskID)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	if err := s.loadDependencies(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns the session's tasks, optionally filtered by status,
// ordered by created-at.
func (s *Store) ListTasks(ctx context.Context, sessionID string, status scheduler.Status) ([]*scheduler.Task, error) {
	query := `
		SELECT id, session_id, role, description, priority, status, retries, feedback, block_reason, created_at, completed_at
		FROM tasks
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}

	for _, t := range tasks {
		if err := s.loadDependencies(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// scanTask reads one task row via the given scan function.
func scanTask(scan func(dest ...any) error) (*scheduler.Task, error) {
	t := &scheduler.Task{}
	var roleStr, statusStr string
	var feedback, blockReason sql.NullString
	var completedAt sql.NullTime

	err := scan(&t.ID, &t.SessionID, &roleStr, &t.Description, &t.Priority, &statusStr,
		&t.Retries, &feedback, &blockReason, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Role = scheduler.Role(roleStr)
	t.Status = scheduler.Status(statusStr)
	t.BlockReason = blockReason.String
	if feedback.Valid && feedback.String != "" && feedback.String != "null" {
		if err := json.Unmarshal([]byte(feedback.String), &t.Feedback); err != nil {
			return nil, fmt.Errorf("decoding feedback: %w", err)
		}
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return t, nil
}

// loadDependencies fills in the task's dependency set.
func (s *Store) loadDependencies(ctx context.Context, t *scheduler.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE session_id = ? AND task_id = ?
		ORDER BY depends_on_id
	`, t.SessionID, t.ID)
	if err != nil {
		return fmt.Errorf("querying dependencies for task %s: %w", t.ID, err)
	}
	defer rows.Close()

	t.DependsOn = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("scanning dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating dependencies: %w", err)
	}
	return nil
}
