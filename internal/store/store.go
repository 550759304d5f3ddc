// Package store provides the on-device SQLite database for volsync.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads. It holds both the domain collections (volunteers, events,
// attendance) and the sync engine's bookkeeping tables (change queue, cursors,
// conflict records, backup snapshots, audit log).
//
// Layout:
//   - Database file: .volsync/volsync.db
//   - WAL mode: concurrent readers during writes
//   - Every call is transactional; the change queue and cursor tables are the
//     only state touched by both the orchestrator and the change tracker, and
//     both serialize through this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with volsync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// DB returns the underlying sql.DB connection.
// Engine packages use this to run their own queries inside store transactions.
func (s *Store) DB() *sql.DB {
	return s.conn
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Domain collections. The sync engine treats payloads as opaque JSON;
	-- updated_at is duplicated as a column for diffing and indexes.
	CREATE TABLE IF NOT EXISTS volunteers (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Pending local mutations awaiting transmission. At most one pending row
	-- per (entity_type, entity_id); new mutations coalesce into it. seq gives
	-- FIFO order within a priority tier.
	CREATE TABLE IF NOT EXISTS change_queue (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,             -- create, update, delete
		payload TEXT,
		priority INTEGER NOT NULL DEFAULT 0,  -- 1=high, 0=normal
		status TEXT NOT NULL DEFAULT 'pending', -- pending, inflight, failed
		attempts INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_error TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_change_queue_entity_pending
	    ON change_queue(entity_type, entity_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_change_queue_drain
	    ON change_queue(status, priority, seq);

	-- Per-entity-type watermark of remote history already incorporated.
	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity_type TEXT PRIMARY KEY,
		version_token TEXT NOT NULL,
		last_synced_at TEXT NOT NULL
	);

	-- Divergence audit trail. Rows are terminal once resolution is set.
	CREATE TABLE IF NOT EXISTS conflict_records (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_json TEXT NOT NULL,
		remote_json TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT 'pending', -- pending, local-wins, remote-wins, merged
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_entity
	    ON conflict_records(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolution
	    ON conflict_records(resolution);

	-- Pre-apply snapshots, bounded count with oldest-first eviction.
	CREATE TABLE IF NOT EXISTS backup_snapshots (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_backups_created
	    ON backup_snapshots(created_at);

	-- Append-only sync event log with time-based retention.
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		session_id TEXT NOT NULL,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_log(category);

	-- Key-value metadata: schema version, migration marker, session id.
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise. The change tracker uses this to record a change in
// the same transaction as the mutation it describes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMetadata returns the value for a metadata key.
// Returns an empty string if the key does not exist.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores a metadata key-value pair, replacing any existing value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}
