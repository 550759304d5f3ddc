// Package backup snapshots entity collections before risky bulk operations
// and restores them on failure. Snapshots are gzip-compressed JSON stored in
// the local database, retained up to a fixed count with oldest-first
// eviction.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/volunteerkit/volsync/internal/store"
)

// DefaultRetain is how many snapshots are kept when no limit is configured.
const DefaultRetain = 10

// Manager creates, restores, and evicts backup snapshots.
type Manager struct {
	store  *store.Store
	retain int
	logger *slog.Logger
}

// New creates a backup manager. retain <= 0 uses DefaultRetain.
// If logger is nil, slog.Default() is used.
func New(st *store.Store, retain int, logger *slog.Logger) *Manager {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, retain: retain, logger: logger}
}

// Snapshot compresses and stores data under a fresh backup id, then evicts
// the oldest snapshots beyond the retention limit.
func (m *Manager) Snapshot(ctx context.Context, operationID string, data any, metadata map[string]string) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	var metaJSON any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal snapshot metadata: %w", err)
		}
		metaJSON = string(b)
	}

	backupID := uuid.NewString()
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backup_snapshots (id, operation_id, created_at, payload, metadata)
			VALUES (?, ?, ?, ?, ?)`,
			backupID, operationID, time.Now().UTC().Format(time.RFC3339Nano),
			buf.Bytes(), metaJSON)
		if err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		return m.evictTx(ctx, tx)
	})
	if err != nil {
		return "", err
	}

	m.logger.Debug("snapshot created",
		"backup_id", backupID,
		"operation_id", operationID,
		"compressed_bytes", buf.Len())
	return backupID, nil
}

// Restore decompresses the snapshot payload into out.
func (m *Manager) Restore(ctx context.Context, backupID string, out any) error {
	var payload []byte
	err := m.store.DB().QueryRowContext(ctx,
		"SELECT payload FROM backup_snapshots WHERE id = ?", backupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("backup %s not found", backupID)
	}
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backupID, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", backupID, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("failed to decompress backup %s: %w", backupID, err)
	}
	if err := zr.Close(); err != nil {
		return fmt.Errorf("failed to close backup reader: %w", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal backup %s: %w", backupID, err)
	}
	return nil
}

// Rollback restores the snapshot and hands the raw decompressed JSON to
// applyFn, which is responsible for writing entities back to their pre-apply
// state. The snapshot is kept even after a successful rollback so the
// operation can be retried.
func (m *Manager) Rollback(ctx context.Context, backupID string, applyFn func(data []byte) error) error {
	var payload []byte
	err := m.store.DB().QueryRowContext(ctx,
		"SELECT payload FROM backup_snapshots WHERE id = ?", backupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("backup %s not found", backupID)
	}
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backupID, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", backupID, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("failed to decompress backup %s: %w", backupID, err)
	}
	_ = zr.Close()

	if err := applyFn(raw); err != nil {
		return fmt.Errorf("rollback apply failed for backup %s: %w", backupID, err)
	}

	m.logger.Info("rollback applied", "backup_id", backupID)
	return nil
}

// Delete removes a snapshot once its operation is confirmed complete.
func (m *Manager) Delete(ctx context.Context, backupID string) error {
	if _, err := m.store.DB().ExecContext(ctx,
		"DELETE FROM backup_snapshots WHERE id = ?", backupID); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

// Count returns the number of retained snapshots.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var count int
	err := m.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backup_snapshots").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backups: %w", err)
	}
	return count, nil
}

// evictTx removes the oldest snapshots beyond the retention limit.
func (m *Manager) evictTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM backup_snapshots WHERE id IN (
			SELECT id FROM backup_snapshots
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)`, m.retain)
	if err != nil {
		return fmt.Errorf("failed to evict old backups: %w", err)
	}
	return nil
}
