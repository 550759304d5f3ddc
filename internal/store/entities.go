package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/volunteerkit/volsync/internal/entity"
)

// GetEntity retrieves a single entity by type and id.
// Returns sql.ErrNoRows if the entity is not found.
func (s *Store) GetEntity(ctx context.Context, et entity.Type, id string) (*entity.Record, error) {
	table := et.Table()
	if table == "" {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}

	row := s.conn.QueryRowContext(ctx,
		"SELECT id, payload, updated_at FROM "+table+" WHERE id = ?", id)
	return scanEntity(row, et)
}

// GetAllEntities retrieves every entity of the given type, ordered by id for
// stable output.
func (s *Store) GetAllEntities(ctx context.Context, et entity.Type) ([]*entity.Record, error) {
	table := et.Table()
	if table == "" {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}

	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, payload, updated_at FROM "+table+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var records []*entity.Record
	for rows.Next() {
		rec, err := scanEntity(rows, et)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return records, nil
}

// PutEntity inserts or updates an entity.
func (s *Store) PutEntity(ctx context.Context, rec *entity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	return s.putEntityExec(ctx, s.conn, rec)
}

// PutEntityTx inserts or updates an entity inside an existing transaction.
func (s *Store) PutEntityTx(ctx context.Context, tx *sql.Tx, rec *entity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	return s.putEntityExec(ctx, tx, rec)
}

// execer is the subset of sql.DB/sql.Tx the entity writes need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) putEntityExec(ctx context.Context, ex execer, rec *entity.Record) error {
	query := `
	INSERT INTO ` + rec.Type.Table() + ` (id, payload, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := ex.ExecContext(ctx, query,
		rec.ID,
		string(rec.Payload),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", rec.Key(), err)
	}
	return nil
}

// DeleteEntity removes an entity.
// Returns nil if the entity doesn't exist (idempotent).
func (s *Store) DeleteEntity(ctx context.Context, et entity.Type, id string) error {
	return s.deleteEntityExec(ctx, s.conn, et, id)
}

// DeleteEntityTx removes an entity inside an existing transaction.
func (s *Store) DeleteEntityTx(ctx context.Context, tx *sql.Tx, et entity.Type, id string) error {
	return s.deleteEntityExec(ctx, tx, et, id)
}

func (s *Store) deleteEntityExec(ctx context.Context, ex execer, et entity.Type, id string) error {
	table := et.Table()
	if table == "" {
		return fmt.Errorf("unknown entity type %q", et)
	}
	if _, err := ex.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", et, id, err)
	}
	return nil
}

// CountEntities returns the number of entities of the given type.
func (s *Store) CountEntities(ctx context.Context, et entity.Type) (int, error) {
	table := et.Table()
	if table == "" {
		return 0, fmt.Errorf("unknown entity type %q", et)
	}
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// GetVolunteer retrieves a volunteer by id.
func (s *Store) GetVolunteer(ctx context.Context, id string) (*entity.Volunteer, error) {
	rec, err := s.GetEntity(ctx, entity.TypeVolunteer, id)
	if err != nil {
		return nil, err
	}
	var v entity.Volunteer
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volunteer %s: %w", id, err)
	}
	return &v, nil
}

// GetEvent retrieves an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*entity.Event, error) {
	rec, err := s.GetEntity(ctx, entity.TypeEvent, id)
	if err != nil {
		return nil, err
	}
	var e entity.Event
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", id, err)
	}
	return &e, nil
}

// GetAttendance retrieves an attendance record by id.
func (s *Store) GetAttendance(ctx context.Context, id string) (*entity.AttendanceRecord, error) {
	rec, err := s.GetEntity(ctx, entity.TypeAttendance, id)
	if err != nil {
		return nil, err
	}
	var a entity.AttendanceRecord
	if err := json.Unmarshal(rec.Payload, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attendance record %s: %w", id, err)
	}
	return &a, nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner, et entity.Type) (*entity.Record, error) {
	var rec entity.Record
	var payload, updatedAt string

	if err := sc.Scan(&rec.ID, &payload, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan %s: %w", et, err)
	}

	rec.Type = et
	rec.Payload = json.RawMessage(payload)

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s/%s: %w", et, rec.ID, err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}
