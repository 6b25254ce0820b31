package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aletho/foreman/internal/scheduler"
)

// CreateSession creates a new session row and returns it. The session id is
// derived from the creation time so ids sort chronologically.
func (s *Store) CreateSession(ctx context.Context, goal string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        NewSessionID(now),
		Goal:      goal,
		Phase:     scheduler.PhasePlanning,
		CreatedAt: now,
	}

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, project_goal, current_phase, paused, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, sess.ID, sess.Goal, string(sess.Phase), sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}
	return sess, nil
}

// LoadSession retrieves a session by id. Unknown ids fail with ErrNotFound;
// a session is never created implicitly.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var phase string
	var paused int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_goal, current_phase, paused, created_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Goal, &phase, &paused, &sess.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Phase = scheduler.Phase(phase)
	sess.Paused = paused != 0
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time descending.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_goal, current_phase, paused, created_at
		FROM sessions
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess := &Session{}
		var phase string
		var paused int
		if err := rows.Scan(&sess.ID, &sess.Goal, &phase, &paused, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.Phase = scheduler.Phase(phase)
		sess.Paused = paused != 0
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SetPhase updates the session's current phase.
func (s *Store) SetPhase(ctx context.Context, sessionID string, phase scheduler.Phase) error {
	return s.updateSession(ctx, sessionID, `UPDATE sessions SET current_phase = ? WHERE id = ?`, string(phase))
}

// SetPaused updates the session's paused flag. The phase is untouched so a
// resume returns to the exact phase the session paused from.
func (s *Store) SetPaused(ctx context.Context, sessionID string, paused bool) error {
	flag := 0
	if paused {
		flag = 1
	}
	return s.updateSession(ctx, sessionID, `UPDATE sessions SET paused = ? WHERE id = ?`, flag)
}

func (s *Store) updateSession(ctx context.Context, sessionID, query string, value any) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, value, sessionID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session update: %w", err)
	}
	return nil
}
