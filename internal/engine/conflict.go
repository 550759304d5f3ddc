package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/store"
)

// Resolution is the terminal outcome of a conflict record.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local-wins"
	ResolutionRemoteWins Resolution = "remote-wins"
	ResolutionMerged     Resolution = "merged"
)

// ConflictRecord captures one divergence between a local and a remote
// version of the same entity. Rows stay in the table for audit after they
// are resolved.
type ConflictRecord struct {
	ID         string          `json:"id"`
	EntityType entity.Type     `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolution Resolution      `json:"resolution"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Resolver decides merged outcomes for entities that diverged on both sides
// since the last cursor, and records every decision for audit.
//
// Policy (deliberate simplicity over strict correctness):
//   - last-write-wins by updatedAt timestamp
//   - equal timestamps: remote wins (the remote store is the single source
//     of truth across devices)
//   - a deletion beats an update regardless of timestamp, so intentionally
//     removed data is never resurrected
type Resolver struct {
	store *store.Store
}

// NewResolver creates a conflict resolver over the local store.
func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Decide returns the winning side for a local/remote divergence.
//
// localAt is the local version's updatedAt; callers fall back to the change
// record's createdAt when the entity row is gone (local delete).
func Decide(localAt, remoteAt time.Time, localOp Operation, remoteDeleted bool) Resolution {
	// Deletion wins over update regardless of timestamps.
	if localOp == OpDelete && !remoteDeleted {
		return ResolutionLocalWins
	}
	if remoteDeleted && localOp != OpDelete {
		return ResolutionRemoteWins
	}

	if localAt.After(remoteAt) {
		return ResolutionLocalWins
	}
	// Ties go to the remote store deterministically.
	return ResolutionRemoteWins
}

// Record persists a resolved conflict for the audit trail and returns it.
func (r *Resolver) Record(ctx context.Context, et entity.Type, entityID string, local, remote json.RawMessage, resolution Resolution) (*ConflictRecord, error) {
	now := time.Now().UTC()
	cr := &ConflictRecord{
		ID:         uuid.NewString(),
		EntityType: et,
		EntityID:   entityID,
		Local:      local,
		Remote:     remote,
		DetectedAt: now,
		Resolution: resolution,
	}
	if resolution != ResolutionPending {
		cr.ResolvedAt = &now
	}

	var resolvedAt any
	if cr.ResolvedAt != nil {
		resolvedAt = cr.ResolvedAt.Format(time.RFC3339Nano)
	}

	_, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO conflict_records (id, entity_type, entity_id, local_json, remote_json, detected_at, resolution, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, string(et), entityID, rawOrEmpty(local), rawOrEmpty(remote),
		now.Format(time.RFC3339Nano), string(resolution), resolvedAt)
	if err != nil {
		return nil, NewError(KindStorage, fmt.Errorf("failed to record conflict: %w", err))
	}
	return cr, nil
}

// Resolve finalizes a previously pending conflict record.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution Resolution) error {
	_, err := r.store.DB().ExecContext(ctx, `
		UPDATE conflict_records SET resolution = ?, resolved_at = ? WHERE id = ?`,
		string(resolution), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewError(KindStorage, fmt.Errorf("failed to resolve conflict %s: %w", id, err))
	}
	return nil
}

// List returns conflict records, newest first, optionally filtered to
// unresolved ones.
func (r *Resolver) List(ctx context.Context, pendingOnly bool) ([]*ConflictRecord, error) {
	query := `
		SELECT id, entity_type, entity_id, local_json, remote_json, detected_at, resolution, resolved_at
		FROM conflict_records`
	if pendingOnly {
		query += " WHERE resolution = 'pending'"
	}
	query += " ORDER BY detected_at DESC"

	rows, err := r.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, NewError(KindStorage, fmt.Errorf("failed to list conflicts: %w", err))
	}
	defer rows.Close()

	var records []*ConflictRecord
	for rows.Next() {
		var (
			cr            ConflictRecord
			et            string
			local, remote string
			detectedAt    string
			resolution    string
			resolvedAt    *string
		)
		if err := rows.Scan(&cr.ID, &et, &cr.EntityID, &local, &remote, &detectedAt, &resolution, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		cr.EntityType = entity.Type(et)
		cr.Local = json.RawMessage(local)
		cr.Remote = json.RawMessage(remote)
		cr.Resolution = Resolution(resolution)
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			cr.DetectedAt = t
		}
		if resolvedAt != nil {
			if t, err := time.Parse(time.RFC3339Nano, *resolvedAt); err == nil {
				cr.ResolvedAt = &t
			}
		}
		records = append(records, &cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return records, nil
}

// PendingCount returns the number of unresolved conflicts.
func (r *Resolver) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conflict_records WHERE resolution = 'pending'").Scan(&count)
	if err != nil {
		return 0, NewError(KindStorage, fmt.Errorf("failed to count conflicts: %w", err))
	}
	return count, nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
