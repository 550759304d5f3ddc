package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/volunteerkit/volsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

type snapshotRow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TestSnapshot_RoundTrip verifies stored data survives compression and comes
// back intact through Restore.
func TestSnapshot_RoundTrip(t *testing.T) {
	m := New(newTestStore(t), 0, nil)
	ctx := context.Background()

	in := []snapshotRow{{ID: "v-1", Name: "Alice"}, {ID: "v-2", Name: "Bob"}}
	id, err := m.Snapshot(ctx, "test-op", in, map[string]string{"rows": "2"})
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Snapshot() returned empty id")
	}

	var out []snapshotRow
	if err := m.Restore(ctx, id, &out); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if len(out) != 2 || out[0].Name != "Alice" || out[1].Name != "Bob" {
		t.Errorf("restored = %+v, want original rows", out)
	}
}

// TestSnapshot_EvictsOldestBeyondLimit verifies retention keeps only the
// newest snapshots.
func TestSnapshot_EvictsOldestBeyondLimit(t *testing.T) {
	m := New(newTestStore(t), 3, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Snapshot(ctx, "test-op", []snapshotRow{{ID: "v-1"}}, nil)
		if err != nil {
			t.Fatalf("Snapshot(%d) failed: %v", i, err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	count, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	var out []snapshotRow
	if err := m.Restore(ctx, ids[0], &out); err == nil {
		t.Error("oldest snapshot should have been evicted")
	}
	if err := m.Restore(ctx, ids[4], &out); err != nil {
		t.Errorf("newest snapshot evicted: %v", err)
	}
}

// TestRollback_AppliesAndKeepsSnapshot verifies applyFn receives the raw
// JSON and the snapshot survives for a retry.
func TestRollback_AppliesAndKeepsSnapshot(t *testing.T) {
	m := New(newTestStore(t), 0, nil)
	ctx := context.Background()

	id, err := m.Snapshot(ctx, "test-op", []snapshotRow{{ID: "v-1", Name: "Alice"}}, nil)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	applied := false
	err = m.Rollback(ctx, id, func(data []byte) error {
		applied = true
		if len(data) == 0 {
			t.Error("applyFn received empty data")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if !applied {
		t.Fatal("applyFn never ran")
	}

	// Still restorable afterwards.
	var out []snapshotRow
	if err := m.Restore(ctx, id, &out); err != nil {
		t.Errorf("snapshot gone after rollback: %v", err)
	}
}

// TestRollback_PropagatesApplyError verifies a failing applyFn surfaces.
func TestRollback_PropagatesApplyError(t *testing.T) {
	m := New(newTestStore(t), 0, nil)
	ctx := context.Background()

	id, err := m.Snapshot(ctx, "test-op", []snapshotRow{{ID: "v-1"}}, nil)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	err = m.Rollback(ctx, id, func([]byte) error {
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Error("Rollback() should propagate the apply error")
	}
}

// TestDelete_RemovesSnapshot verifies confirmed operations free their
// snapshot.
func TestDelete_RemovesSnapshot(t *testing.T) {
	m := New(newTestStore(t), 0, nil)
	ctx := context.Background()

	id, err := m.Snapshot(ctx, "test-op", []snapshotRow{{ID: "v-1"}}, nil)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	count, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after delete, want 0", count)
	}

	var out []snapshotRow
	if err := m.Restore(ctx, id, &out); err == nil {
		t.Error("Restore() should fail for a deleted snapshot")
	}
}

// TestRestore_UnknownID verifies a clear error for missing snapshots.
func TestRestore_UnknownID(t *testing.T) {
	m := New(newTestStore(t), 0, nil)

	var out []snapshotRow
	if err := m.Restore(context.Background(), "no-such-backup", &out); err == nil {
		t.Error("Restore() should fail for an unknown id")
	}
}
