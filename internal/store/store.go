// Package store is the durable record of sessions, agents, tasks, and
// reports. It is the sole long-lived owner of all four entities; the
// in-memory task graph and roster are caches rebuilt from it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aletho/foreman/internal/scheduler"
	_ "modernc.org/sqlite"
)

// DefaultFilename is the database file created inside a project directory.
// One store per project directory; projects never share state.
const DefaultFilename = ".foreman.db"

// ErrNotFound is returned when a session, task, or agent reference is
// unknown. It is always surfaced, never defaulted away.
var ErrNotFound = errors.New("not found")

// Session identifies one project run.
type Session struct {
	ID        string
	Goal      string
	Phase     scheduler.Phase
	Paused    bool
	CreatedAt time.Time
}

// Report is an immutable progress snapshot.
type Report struct {
	ID             int64
	SessionID      string
	Timestamp      time.Time
	Phase          scheduler.Phase
	CompletedTasks int
	Data           map[string]any
}

// Store is a SQLite-backed persistent store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at dbPath, creating parent directories as
// needed. WAL mode and a busy timeout keep concurrent readers working while
// the single coordinator writes.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// OpenMemory creates an in-memory store for testing. A shared cache lets
// multiple connections see the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// One for primary queries, one for subqueries while iterating rows.
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSessionID returns a sortable, creation-time-derived session id. The
// uuid suffix keeps same-second sessions distinct.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// beginImmediate starts a write transaction with serializable isolation so
// each store call is atomic.
func (s *Store) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}
