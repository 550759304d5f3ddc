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

// Queue is the ordered, persisted backlog of change records awaiting
// transmission. High-priority records drain before normal ones; within a
// tier order is FIFO by sequence number. Records leave the queue only via
// Acknowledge (confirmed remote write), coalescing, or Park.
type Queue struct {
	store *store.Store
}

// NewQueue creates a queue view over the local store.
func NewQueue(st *store.Store) *Queue {
	return &Queue{store: st}
}

// Enqueue inserts a change record at the tail of its priority tier,
// coalescing into an existing pending record for the same entity under the
// tracker's rules. Normal mutations go through the Tracker instead; Enqueue
// exists for the migration runner, which rebuilds the queue from legacy
// journal entries that may carry several lines per entity. After return
// cr.ID holds the surviving record's id, or "" when the pair cancelled.
func (q *Queue) Enqueue(ctx context.Context, cr *ChangeRecord) error {
	if !cr.EntityType.Valid() {
		return Errorf(KindValidation, "unknown entity type %q", cr.EntityType)
	}
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}

	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			pendingID string
			pendingOp Operation
			pendingPr Priority
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, op, priority FROM change_queue
			WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
			string(cr.EntityType), cr.EntityID).Scan(&pendingID, &pendingOp, &pendingPr)

		if err == sql.ErrNoRows {
			seq, err := nextSeqTx(ctx, tx)
			if err != nil {
				return err
			}
			cr.Seq = seq
			_, err = tx.ExecContext(ctx, `
				INSERT INTO change_queue (id, entity_type, entity_id, op, payload, priority, status, attempts, seq, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
				cr.ID, string(cr.EntityType), cr.EntityID, string(cr.Op), payloadString(cr.Payload),
				int(cr.Priority), cr.Attempts, cr.Seq, cr.CreatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to enqueue change %s: %w", cr.ID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check pending change: %w", err)
		}

		newOp, cancelled := coalesceOps(pendingOp, cr.Op)
		if cancelled {
			if _, err := tx.ExecContext(ctx, "DELETE FROM change_queue WHERE id = ?", pendingID); err != nil {
				return fmt.Errorf("failed to cancel pending create: %w", err)
			}
			cr.ID = ""
			return nil
		}

		if cr.Priority < pendingPr {
			cr.Priority = pendingPr
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE change_queue SET op = ?, payload = ?, priority = ? WHERE id = ?`,
			string(newOp), payloadString(cr.Payload), int(cr.Priority), pendingID)
		if err != nil {
			return fmt.Errorf("failed to coalesce change: %w", err)
		}
		cr.ID = pendingID
		cr.Op = newOp
		return nil
	})
}

// Drain returns up to batchSize pending records in transmission order and
// marks them inflight. Inflight records no longer coalesce; a mutation that
// races a drain creates a fresh pending record instead.
func (q *Queue) Drain(ctx context.Context, batchSize int) ([]*ChangeRecord, error) {
	return q.drain(ctx, "", batchSize)
}

// DrainType is Drain restricted to a single entity type, used by the
// orchestrator's per-type push phase.
func (q *Queue) DrainType(ctx context.Context, et entity.Type, batchSize int) ([]*ChangeRecord, error) {
	return q.drain(ctx, et, batchSize)
}

func (q *Queue) drain(ctx context.Context, et entity.Type, batchSize int) ([]*ChangeRecord, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var records []*ChangeRecord
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT id, entity_type, entity_id, op, payload, priority, attempts, seq, created_at
			FROM change_queue
			WHERE status = 'pending'`
		args := []any{}
		if et != "" {
			query += " AND entity_type = ?"
			args = append(args, string(et))
		}
		query += " ORDER BY priority DESC, seq ASC LIMIT ?"
		args = append(args, batchSize)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to drain queue: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			cr, err := scanChange(rows)
			if err != nil {
				return err
			}
			records = append(records, cr)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating queue: %w", err)
		}

		for _, cr := range records {
			if _, err := tx.ExecContext(ctx,
				"UPDATE change_queue SET status = 'inflight' WHERE id = ?", cr.ID); err != nil {
				return fmt.Errorf("failed to mark %s inflight: %w", cr.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, NewError(KindStorage, err)
	}
	return records, nil
}

// Acknowledge removes records after confirmed remote acknowledgment.
// This is the only path that deletes a record because it was transmitted.
func (q *Queue) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM change_queue WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to acknowledge %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return NewError(KindStorage, err)
	}
	return nil
}

// Requeue returns inflight records to the tail of their original tier after
// a failed transmission, bumping the attempt counter. If a newer pending
// record for the same entity appeared while this one was inflight, the
// inflight record is dropped: the newer one supersedes it.
func (q *Queue) Requeue(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var et, eid string
			err := tx.QueryRowContext(ctx,
				"SELECT entity_type, entity_id FROM change_queue WHERE id = ?", id).Scan(&et, &eid)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", id, err)
			}

			var superseded int
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM change_queue
				WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
				et, eid).Scan(&superseded)
			if err != nil {
				return fmt.Errorf("failed to check superseding change: %w", err)
			}
			if superseded > 0 {
				if _, err := tx.ExecContext(ctx, "DELETE FROM change_queue WHERE id = ?", id); err != nil {
					return fmt.Errorf("failed to drop superseded %s: %w", id, err)
				}
				continue
			}

			seq, err := nextSeqTx(ctx, tx)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE change_queue
				SET status = 'pending', attempts = attempts + 1, seq = ?
				WHERE id = ?`, seq, id)
			if err != nil {
				return fmt.Errorf("failed to requeue %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return NewError(KindStorage, err)
	}
	return nil
}

// Park marks a record failed and removes it from the active queue so one
// poisoned record cannot block everything behind it. Parked records stay in
// the table for diagnostics.
func (q *Queue) Park(ctx context.Context, id string, reason string) error {
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE change_queue SET status = 'failed', last_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return NewError(KindStorage, fmt.Errorf("failed to park %s: %w", id, err))
	}
	return nil
}

// RecoverInflight returns any records stranded inflight by a crash to
// pending, preserving their original order. Called once at startup.
func (q *Queue) RecoverInflight(ctx context.Context) (int, error) {
	res, err := q.store.DB().ExecContext(ctx,
		"UPDATE change_queue SET status = 'pending' WHERE status = 'inflight'")
	if err != nil {
		return 0, NewError(KindStorage, fmt.Errorf("failed to recover inflight records: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingCount returns the number of records awaiting transmission.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_queue WHERE status = 'pending'").Scan(&count)
	if err != nil {
		return 0, NewError(KindStorage, fmt.Errorf("failed to count pending: %w", err))
	}
	return count, nil
}

// PendingForType returns the pending records for one entity type in
// transmission order without marking them inflight. The diff phase uses this
// to find entities with unacknowledged local changes.
func (q *Queue) PendingForType(ctx context.Context, et entity.Type) (map[string]*ChangeRecord, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, priority, attempts, seq, created_at
		FROM change_queue
		WHERE status = 'pending' AND entity_type = ?
		ORDER BY seq ASC`, string(et))
	if err != nil {
		return nil, NewError(KindStorage, fmt.Errorf("failed to query pending: %w", err))
	}
	defer rows.Close()

	pending := make(map[string]*ChangeRecord)
	for rows.Next() {
		cr, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		pending[cr.EntityID] = cr
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(KindStorage, fmt.Errorf("error iterating pending: %w", err))
	}
	return pending, nil
}

// Remove deletes a record that lost a conflict and must not be transmitted.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.store.DB().ExecContext(ctx, "DELETE FROM change_queue WHERE id = ?", id); err != nil {
		return NewError(KindStorage, fmt.Errorf("failed to remove %s: %w", id, err))
	}
	return nil
}

func scanChange(sc interface{ Scan(...any) error }) (*ChangeRecord, error) {
	var (
		cr        ChangeRecord
		et, op    string
		payload   sql.NullString
		priority  int
		createdAt string
	)
	if err := sc.Scan(&cr.ID, &et, &cr.EntityID, &op, &payload, &priority, &cr.Attempts, &cr.Seq, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan change record: %w", err)
	}
	cr.EntityType = entity.Type(et)
	cr.Op = Operation(op)
	cr.Priority = Priority(priority)
	if payload.Valid {
		cr.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cr.CreatedAt = t
	}
	return &cr, nil
}
