package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/store"
)

// SyncCursor is the per-entity-type watermark of remote history already
// incorporated locally. It advances only after a fully successful pull+push
// cycle for its type; a failed type keeps its old cursor so no remote change
// is skipped on retry.
type SyncCursor struct {
	EntityType   entity.Type `json:"entity_type"`
	VersionToken string      `json:"version_token"`
	LastSyncedAt time.Time   `json:"last_synced_at"`
}

// CursorStore persists sync cursors, one per entity type.
type CursorStore struct {
	store *store.Store
}

// NewCursorStore creates a cursor store over the local database.
func NewCursorStore(st *store.Store) *CursorStore {
	return &CursorStore{store: st}
}

// Get returns the cursor for an entity type, or nil if no sync has completed
// for it yet (first sync pulls full history).
func (c *CursorStore) Get(ctx context.Context, et entity.Type) (*SyncCursor, error) {
	var (
		token    string
		syncedAt string
	)
	err := c.store.DB().QueryRowContext(ctx,
		"SELECT version_token, last_synced_at FROM sync_cursors WHERE entity_type = ?",
		string(et)).Scan(&token, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewError(KindStorage, fmt.Errorf("failed to read cursor for %s: %w", et, err))
	}

	cur := &SyncCursor{EntityType: et, VersionToken: token}
	if t, err := time.Parse(time.RFC3339Nano, syncedAt); err == nil {
		cur.LastSyncedAt = t
	}
	return cur, nil
}

// Advance updates the cursor for an entity type in place, creating it on the
// first successful cycle.
func (c *CursorStore) Advance(ctx context.Context, et entity.Type, versionToken string) error {
	query := `
	INSERT INTO sync_cursors (entity_type, version_token, last_synced_at)
	VALUES (?, ?, ?)
	ON CONFLICT(entity_type) DO UPDATE SET
		version_token = excluded.version_token,
		last_synced_at = excluded.last_synced_at
	`
	_, err := c.store.DB().ExecContext(ctx, query,
		string(et), versionToken, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return NewError(KindStorage, fmt.Errorf("failed to advance cursor for %s: %w", et, err))
	}
	return nil
}

// LastSyncedAt returns the most recent checkpoint time across all entity
// types, zero if no type has ever completed a cycle.
func (c *CursorStore) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var syncedAt sql.NullString
	err := c.store.DB().QueryRowContext(ctx,
		"SELECT MAX(last_synced_at) FROM sync_cursors").Scan(&syncedAt)
	if err != nil {
		return time.Time{}, NewError(KindStorage, fmt.Errorf("failed to read last sync time: %w", err))
	}
	if !syncedAt.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, syncedAt.String)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}
