package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_goal TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		paused INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agents_session_role ON agents(session_id, role);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		description TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		feedback TEXT,
		block_reason TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (session_id, task_id, depends_on_id),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		phase TEXT NOT NULL,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		data TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reports_session_timestamp
		ON reports(session_id, timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
