package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/store"
)

// Operation is the kind of local mutation a change record describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority is the queue tier a change record drains from.
// High-priority records (interactive edits) are always transmitted before
// normal ones (bulk imports).
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// ChangeRecord is a durable description of one local mutation awaiting
// transmission. Immutable once created; it leaves the queue only through
// acknowledgment, coalescing, or parking.
type ChangeRecord struct {
	ID         string          `json:"id"`
	EntityType entity.Type     `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         Operation       `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   Priority        `json:"priority"`
	Attempts   int             `json:"attempts"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Tracker records every local mutation as a change record, in the same
// transaction as the mutation itself. Multiple unsent mutations on the same
// entity coalesce into a single pending record; a delete that lands on a
// still-pending create cancels both (the remote never saw the entity).
type Tracker struct {
	store *store.Store
}

// NewTracker creates a change tracker bound to the local store.
func NewTracker(st *store.Store) *Tracker {
	return &Tracker{store: st}
}

// TrackPut writes the entity and records the mutation atomically.
// The operation is recorded as create when no local row existed, update
// otherwise. Returns the pending change record id.
func (t *Tracker) TrackPut(ctx context.Context, rec *entity.Record, priority Priority) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", Errorf(KindValidation, "invalid entity: %w", err)
	}

	var changeID string
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+rec.Type.Table()+" WHERE id = ?", rec.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check existing entity: %w", err)
		}

		op := OpCreate
		if exists > 0 {
			op = OpUpdate
		}

		if err := t.store.PutEntityTx(ctx, tx, rec); err != nil {
			return err
		}

		changeID, err = recordChangeTx(ctx, tx, rec.Type, rec.ID, op, rec.Payload, priority)
		return err
	})
	if err != nil {
		return "", err
	}
	return changeID, nil
}

// TrackDelete removes the entity and records the deletion atomically.
// If a pending create for the same entity has never been transmitted, both
// are cancelled and no change record remains.
func (t *Tracker) TrackDelete(ctx context.Context, et entity.Type, id string, priority Priority) (string, error) {
	if !et.Valid() {
		return "", Errorf(KindValidation, "unknown entity type %q", et)
	}

	var changeID string
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := t.store.DeleteEntityTx(ctx, tx, et, id); err != nil {
			return err
		}
		var err error
		changeID, err = recordChangeTx(ctx, tx, et, id, OpDelete, nil, priority)
		return err
	})
	if err != nil {
		return "", err
	}
	return changeID, nil
}

// ApplyRemote writes a remotely pulled entity without recording a change.
// Used by the orchestrator's apply phase so pulled rows don't echo back out.
func (t *Tracker) ApplyRemote(ctx context.Context, rec *entity.Record) error {
	if err := t.store.PutEntity(ctx, rec); err != nil {
		return NewError(KindStorage, err)
	}
	return nil
}

// ApplyRemoteDelete removes a remotely deleted entity without recording a
// change.
func (t *Tracker) ApplyRemoteDelete(ctx context.Context, et entity.Type, id string) error {
	if err := t.store.DeleteEntity(ctx, et, id); err != nil {
		return NewError(KindStorage, err)
	}
	return nil
}

// recordChangeTx coalesces a new mutation into the pending queue inside tx.
//
// Rules:
//   - no pending record: insert one at the tail of its tier
//   - pending create + delete: remove the pending record entirely (net zero)
//   - pending create + update: stays a create with the new payload
//   - pending delete + create: becomes an update (the remote row still exists)
//   - otherwise: the pending record takes the new op and payload
//
// The coalesced record keeps its original seq and created_at so same-entity
// ordering is preserved, and takes the higher of the two priorities.
func recordChangeTx(ctx context.Context, tx *sql.Tx, et entity.Type, id string, op Operation, payload json.RawMessage, priority Priority) (string, error) {
	var (
		pendingID string
		pendingOp Operation
		pendingPr Priority
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, op, priority FROM change_queue
		WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
		string(et), id).Scan(&pendingID, &pendingOp, &pendingPr)

	now := time.Now().UTC()

	if err == sql.ErrNoRows {
		changeID := uuid.NewString()
		seq, err := nextSeqTx(ctx, tx)
		if err != nil {
			return "", err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO change_queue (id, entity_type, entity_id, op, payload, priority, status, attempts, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
			changeID, string(et), id, string(op), payloadString(payload), int(priority),
			seq, now.Format(time.RFC3339Nano))
		if err != nil {
			return "", fmt.Errorf("failed to enqueue change: %w", err)
		}
		return changeID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check pending change: %w", err)
	}

	newOp, cancelled := coalesceOps(pendingOp, op)
	if cancelled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM change_queue WHERE id = ?", pendingID); err != nil {
			return "", fmt.Errorf("failed to cancel pending create: %w", err)
		}
		return "", nil
	}

	if priority < pendingPr {
		priority = pendingPr
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE change_queue SET op = ?, payload = ?, priority = ? WHERE id = ?`,
		string(newOp), payloadString(payload), int(priority), pendingID)
	if err != nil {
		return "", fmt.Errorf("failed to coalesce change: %w", err)
	}
	return pendingID, nil
}

// coalesceOps folds a new operation into a pending one for the same entity.
// The second return is true when the pair cancels outright: a create
// followed by a delete means the remote never saw the entity.
func coalesceOps(pending, next Operation) (Operation, bool) {
	switch {
	case pending == OpCreate && next == OpDelete:
		return "", true
	case pending == OpCreate && next == OpUpdate:
		return OpCreate, false
	case pending == OpDelete && next == OpCreate:
		return OpUpdate, false
	}
	return next, false
}

// nextSeqTx allocates the next queue sequence number inside tx.
func nextSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM change_queue").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

func payloadString(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}
