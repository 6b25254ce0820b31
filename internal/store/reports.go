package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aletho/foreman/internal/scheduler"
)

// AppendReport inserts an immutable report snapshot. Reports are never
// updated or deleted.
func (s *Store) AppendReport(ctx context.Context, r *Report) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("encoding report data: %w", err)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reports (session_id, timestamp, phase, completed_tasks, data)
		VALUES (?, ?, ?, ?, ?)
	`, r.SessionID, r.Timestamp, string(r.Phase), r.CompletedTasks, string(data))
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading report id: %w", err)
	}
	r.ID = id

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing report: %w", err)
	}
	return nil
}

// ListReports returns the session's reports in chronological order.
func (s *Store) ListReports(ctx context.Context, sessionID string) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, phase, completed_tasks, data
		FROM reports
		WHERE session_id = ?
		ORDER BY timestamp, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	reports := []*Report{}
	for rows.Next() {
		r := &Report{}
		var phase, data string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Timestamp, &phase, &r.CompletedTasks, &data); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		r.Phase = scheduler.Phase(phase)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
				return nil, fmt.Errorf("decoding report data: %w", err)
			}
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}
	return reports, nil
}
