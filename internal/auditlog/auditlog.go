// Package auditlog keeps a structured, categorized record of every sync
// event. Entries land in two places: a rotating file (human diagnostics) and
// the audit_log table (queryable trail with time-bounded retention).
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/volunteerkit/volsync/internal/store"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the severity of an audit entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category groups entries by the engine component that emitted them.
type Category string

const (
	CategorySync      Category = "sync"
	CategoryQueue     Category = "queue"
	CategoryConflict  Category = "conflict"
	CategoryRemote    Category = "remote"
	CategoryBackup    Category = "backup"
	CategoryMigration Category = "migration"
)

// DefaultRetention is how long entries are kept before the sweep removes
// them.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is one audit log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger writes audit entries. Safe for concurrent use; database writes
// serialize through the store.
type Logger struct {
	store     *store.Store
	slog      *slog.Logger
	file      *lumberjack.Logger
	sessionID string
	retention time.Duration
}

// Options configures the audit logger.
type Options struct {
	// FilePath is the rotating log file location. Empty disables file
	// output (entries still reach the database).
	FilePath string
	// Retention bounds how long entries are kept. Zero uses
	// DefaultRetention.
	Retention time.Duration
}

// New creates an audit logger with a fresh session id.
func New(st *store.Store, opts Options) *Logger {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	l := &Logger{
		store:     st,
		sessionID: uuid.NewString(),
		retention: opts.Retention,
	}

	if opts.FilePath != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		l.slog = slog.New(slog.NewJSONHandler(l.file, &slog.HandlerOptions{Level: slog.LevelInfo}))
	} else {
		l.slog = slog.Default()
	}

	return l
}

// SessionID returns the id stamped on every entry from this process.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Info records an informational entry.
func (l *Logger) Info(ctx context.Context, category Category, message string, data map[string]any) {
	l.log(ctx, LevelInfo, category, message, data)
}

// Warn records a warning entry.
func (l *Logger) Warn(ctx context.Context, category Category, message string, data map[string]any) {
	l.log(ctx, LevelWarn, category, message, data)
}

// Error records an error entry.
func (l *Logger) Error(ctx context.Context, category Category, message string, data map[string]any) {
	l.log(ctx, LevelError, category, message, data)
}

// log writes to both sinks. A failed database write degrades to file-only
// rather than propagating: audit logging must never block sync progress.
func (l *Logger) log(ctx context.Context, level Level, category Category, message string, data map[string]any) {
	attrs := []any{"category", string(category), "session_id", l.sessionID}
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	switch level {
	case LevelWarn:
		l.slog.Warn(message, attrs...)
	case LevelError:
		l.slog.Error(message, attrs...)
	default:
		l.slog.Info(message, attrs...)
	}

	var dataJSON any
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			dataJSON = string(b)
		}
	}

	_, err := l.store.DB().ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, session_id, level, category, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano),
		l.sessionID, string(level), string(category), message, dataJSON)
	if err != nil {
		l.slog.Warn("audit database write failed", "error", err)
	}
}

// Sweep deletes entries older than the retention window and returns how
// many were removed.
func (l *Logger) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-l.retention).Format(time.RFC3339Nano)
	res, err := l.store.DB().ExecContext(ctx, "DELETE FROM audit_log WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Export writes entries newer than since to w as JSONL, oldest first.
// A zero since exports everything retained.
func (l *Logger) Export(ctx context.Context, since time.Time, w io.Writer) (int, error) {
	query := "SELECT id, ts, session_id, level, category, message, data FROM audit_log"
	args := []any{}
	if !since.IsZero() {
		query += " WHERE ts >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY ts ASC"

	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			e        Entry
			ts       string
			level    string
			category string
			data     sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &level, &category, &e.Message, &data); err != nil {
			return count, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Level = Level(level)
		e.Category = Category(category)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return count, fmt.Errorf("failed to unmarshal audit data for %s: %w", e.ID, err)
			}
		}

		line, err := json.Marshal(&e)
		if err != nil {
			return count, fmt.Errorf("failed to marshal audit entry %s: %w", e.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return count, fmt.Errorf("failed to write audit entry: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("error iterating audit log: %w", err)
	}
	return count, nil
}

// Count returns the number of retained entries.
func (l *Logger) Count(ctx context.Context) (int, error) {
	var count int
	err := l.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// Close flushes and closes the rotating file sink.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
