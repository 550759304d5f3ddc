package engine

import (
	"context"
	"testing"

	"github.com/volunteerkit/volsync/internal/entity"
)

// TestCursor_GetBeforeFirstSync verifies an unknown type returns nil, which
// callers treat as "pull full history".
func TestCursor_GetBeforeFirstSync(t *testing.T) {
	st := newTestStore(t)
	cs := NewCursorStore(st)

	cur, err := cs.Get(context.Background(), entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("cursor = %+v, want nil before first sync", cur)
	}
}

// TestCursor_AdvanceAndGet verifies upsert semantics across two advances.
func TestCursor_AdvanceAndGet(t *testing.T) {
	st := newTestStore(t)
	cs := NewCursorStore(st)
	ctx := context.Background()

	if err := cs.Advance(ctx, entity.TypeVolunteer, "tok-1"); err != nil {
		t.Fatalf("first Advance() failed: %v", err)
	}
	if err := cs.Advance(ctx, entity.TypeVolunteer, "tok-2"); err != nil {
		t.Fatalf("second Advance() failed: %v", err)
	}

	cur, err := cs.Get(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur == nil {
		t.Fatal("cursor is nil after advance")
	}
	if cur.VersionToken != "tok-2" {
		t.Errorf("token = %q, want tok-2", cur.VersionToken)
	}
	if cur.LastSyncedAt.IsZero() {
		t.Error("LastSyncedAt not set")
	}
}

// TestCursor_TypesAreIndependent verifies one type's advance leaves the
// others untouched.
func TestCursor_TypesAreIndependent(t *testing.T) {
	st := newTestStore(t)
	cs := NewCursorStore(st)
	ctx := context.Background()

	if err := cs.Advance(ctx, entity.TypeEvent, "ev-tok"); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}

	cur, err := cs.Get(ctx, entity.TypeAttendance)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("attendance cursor = %+v, want nil", cur)
	}
}

// TestCursor_LastSyncedAt verifies the cross-type maximum and the zero value
// before any sync.
func TestCursor_LastSyncedAt(t *testing.T) {
	st := newTestStore(t)
	cs := NewCursorStore(st)
	ctx := context.Background()

	ts, err := cs.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt() failed: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("last sync = %v before any sync, want zero", ts)
	}

	if err := cs.Advance(ctx, entity.TypeVolunteer, "tok"); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}

	ts, err = cs.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt() failed: %v", err)
	}
	if ts.IsZero() {
		t.Error("last sync still zero after advance")
	}
}
