package store

import (
	"context"
	"fmt"

	"github.com/aletho/foreman/internal/roster"
	"github.com/aletho/foreman/internal/scheduler"
)

// UpsertAgent saves or updates an agent row.
func (s *Store) UpsertAgent(ctx context.Context, a *roster.Agent) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, session_id, role, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			started_at = excluded.started_at
	`, a.ID, a.SessionID, string(a.Role), string(a.Status), a.StartedAt)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent: %w", err)
	}
	return nil
}

// ListAgents returns the session's agents, optionally filtered by role,
// ordered by started-at.
func (s *Store) ListAgents(ctx context.Context, sessionID string, role scheduler.Role) ([]*roster.Agent, error) {
	query := `
		SELECT id, session_id, role, status, started_at
		FROM agents
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	agents := []*roster.Agent{}
	for rows.Next() {
		a := &roster.Agent{}
		var roleStr, statusStr string
		if err := rows.Scan(&a.ID, &a.SessionID, &roleStr, &statusStr, &a.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Role = scheduler.Role(roleStr)
		a.Status = roster.AgentStatus(statusStr)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}
