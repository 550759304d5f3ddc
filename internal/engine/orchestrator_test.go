package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/volunteerkit/volsync/internal/backup"
	"github.com/volunteerkit/volsync/internal/entity"
)

// fakeRemote is a scriptable Remote for orchestrator tests.
type fakeRemote struct {
	mu sync.Mutex

	// rows to return per entity type on the next pull
	pullRows map[entity.Type][]RemoteRow
	// pull errors per entity type
	pullErr map[entity.Type]error
	// push error per entity type; push otherwise accepts everything
	pushErr map[entity.Type]error
	// rejected record ids with reasons, applied on any successful push
	reject map[string]string

	pullCalls int
	pushCalls int
	pushed    map[entity.Type][][]*ChangeRecord
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pullRows: map[entity.Type][]RemoteRow{},
		pullErr:  map[entity.Type]error{},
		pushErr:  map[entity.Type]error{},
		reject:   map[string]string{},
		pushed:   map[entity.Type][][]*ChangeRecord{},
	}
}

func (f *fakeRemote) Pull(ctx context.Context, et entity.Type, sinceToken string) ([]RemoteRow, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if err := f.pullErr[et]; err != nil {
		return nil, "", err
	}
	return f.pullRows[et], "tok-" + string(et), nil
}

func (f *fakeRemote) Push(ctx context.Context, et entity.Type, records []*ChangeRecord) (*PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if err := f.pushErr[et]; err != nil {
		return nil, err
	}
	f.pushed[et] = append(f.pushed[et], records)

	result := &PushResult{Rejected: map[string]string{}, VersionToken: "push-tok-" + string(et)}
	for _, cr := range records {
		if reason, ok := f.reject[cr.ID]; ok {
			result.Rejected[cr.ID] = reason
			continue
		}
		result.Accepted = append(result.Accepted, cr.ID)
	}
	return result, nil
}

// newTestOrchestrator wires an orchestrator with a tiny backoff so failing
// tests don't sleep.
func newTestOrchestrator(t *testing.T, rem Remote) *Orchestrator {
	t.Helper()
	st := newTestStore(t)
	return NewOrchestrator(st, rem, backup.New(st, 0, nil), nil, nil, Config{
		Backoff: BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
	})
}

func remoteRow(id, name string, updatedAt time.Time) RemoteRow {
	payload, _ := json.Marshal(map[string]string{"id": id, "name": name})
	return RemoteRow{ID: id, UpdatedAt: updatedAt, Payload: payload}
}

// TestRequestSync_PullsAndApplies verifies pulled rows land locally and
// cursors advance.
func TestRequestSync_PullsAndApplies(t *testing.T) {
	rem := newFakeRemote()
	now := time.Now().UTC()
	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{remoteRow("v-1", "Alice", now)}

	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	rec, err := orch.store.GetEntity(ctx, entity.TypeVolunteer, "v-1")
	if err != nil {
		t.Fatalf("pulled entity not applied: %v", err)
	}
	if rec.ID != "v-1" {
		t.Errorf("applied id = %q", rec.ID)
	}

	// Nothing echoes back out.
	count, err := orch.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("pending = %d after pull-only sync, want 0", count)
	}

	cur, err := orch.cursors.Get(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("cursor Get() failed: %v", err)
	}
	if cur == nil || cur.VersionToken != "tok-volunteer" {
		t.Errorf("cursor = %+v, want pull token checkpoint", cur)
	}
}

// TestRequestSync_PushesQueuedChanges verifies queued local edits transmit
// and are acknowledged out of the queue.
func TestRequestSync_PushesQueuedChanges(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Alice", time.Now().UTC()), PriorityNormal); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	if len(rem.pushed[entity.TypeVolunteer]) != 1 {
		t.Fatalf("push batches = %d, want 1", len(rem.pushed[entity.TypeVolunteer]))
	}
	count, err := orch.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("pending = %d after push, want 0", count)
	}
}

// TestRequestSync_BatchesLargeQueues verifies a 150-record queue transmits
// as two batches in one cycle.
func TestRequestSync_BatchesLargeQueues(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	q := NewQueue(orch.store)
	for i := 0; i < 150; i++ {
		enqueueChange(t, q, entity.TypeVolunteer, fmt.Sprintf("v-%03d", i), OpCreate, PriorityNormal)
	}

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	batches := rem.pushed[entity.TypeVolunteer]
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if len(batches[0]) != 100 || len(batches[1]) != 50 {
		t.Errorf("batch sizes = [%d %d], want [100 50]", len(batches[0]), len(batches[1]))
	}
}

// TestRequestSync_FailedPushLeavesRemainder verifies a push failure after a
// successful first batch keeps the rest queued and the cursor unmoved.
func TestRequestSync_FailedPushLeavesRemainder(t *testing.T) {
	// First push call succeeds, then the connection dies.
	rem := &flakyPushRemote{inner: newFakeRemote(), failAfter: 1}
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	q := NewQueue(orch.store)
	for i := 0; i < 150; i++ {
		enqueueChange(t, q, entity.TypeVolunteer, fmt.Sprintf("v-%03d", i), OpCreate, PriorityNormal)
	}

	err := orch.RequestSync(ctx, ModeManual)
	if err == nil {
		t.Fatal("RequestSync() should have surfaced the push failure")
	}

	count, cErr := orch.queue.PendingCount(ctx)
	if cErr != nil {
		t.Fatalf("PendingCount() failed: %v", cErr)
	}
	if count != 50 {
		t.Errorf("pending = %d after partial push, want 50", count)
	}

	cur, cErr := orch.cursors.Get(ctx, entity.TypeVolunteer)
	if cErr != nil {
		t.Fatalf("cursor Get() failed: %v", cErr)
	}
	if cur != nil {
		t.Errorf("cursor advanced despite failed push: %+v", cur)
	}
}

// flakyPushRemote fails pushes after the first n succeed.
type flakyPushRemote struct {
	inner     *fakeRemote
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *flakyPushRemote) Pull(ctx context.Context, et entity.Type, since string) ([]RemoteRow, string, error) {
	return f.inner.Pull(ctx, et, since)
}

func (f *flakyPushRemote) Push(ctx context.Context, et entity.Type, records []*ChangeRecord) (*PushResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls > f.failAfter
	f.mu.Unlock()
	if fail {
		return nil, Errorf(KindNetwork, "connection lost")
	}
	return f.inner.Push(ctx, et, records)
}

// TestRequestSync_RemoteWinsConflict verifies a newer remote row replaces
// the pending local change and the local record drops from the queue.
func TestRequestSync_RemoteWinsConflict(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Local Edit", base), PriorityNormal); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}

	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{remoteRow("v-1", "Remote Edit", base.Add(time.Minute))}

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	rec, err := orch.store.GetEntity(ctx, entity.TypeVolunteer, "v-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["name"] != "Remote Edit" {
		t.Errorf("name = %q, want remote version", payload["name"])
	}

	// Discarded local change must not transmit.
	if len(rem.pushed[entity.TypeVolunteer]) != 0 {
		t.Errorf("pushed %d batches, want 0", len(rem.pushed[entity.TypeVolunteer]))
	}

	// The decision is recorded for audit.
	records, err := orch.resolver.List(ctx, false)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 1 || records[0].Resolution != ResolutionRemoteWins {
		t.Errorf("conflict records = %+v, want one remote-wins", records)
	}
}

// TestRequestSync_LocalWinsConflict verifies a newer local change survives
// the pull and transmits in the same cycle.
func TestRequestSync_LocalWinsConflict(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	remoteAt := time.Now().UTC().Add(-time.Hour)
	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{remoteRow("v-1", "Remote Edit", remoteAt)}

	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Local Edit", remoteAt.Add(time.Minute)), PriorityNormal); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	rec, err := orch.store.GetEntity(ctx, entity.TypeVolunteer, "v-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["name"] != "Local Edit" {
		t.Errorf("name = %q, want local version kept", payload["name"])
	}

	if len(rem.pushed[entity.TypeVolunteer]) != 1 {
		t.Errorf("pushed %d batches, want the local change transmitted", len(rem.pushed[entity.TypeVolunteer]))
	}
}

// TestRequestSync_PartialCursorAdvance verifies a type whose pull fails
// keeps its cursor while the other types checkpoint.
func TestRequestSync_PartialCursorAdvance(t *testing.T) {
	rem := newFakeRemote()
	rem.pullErr[entity.TypeEvent] = Errorf(KindNetwork, "event endpoint down")

	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	err := orch.RequestSync(ctx, ModeManual)
	if err == nil {
		t.Fatal("RequestSync() should surface the failed type")
	}

	volCur, cErr := orch.cursors.Get(ctx, entity.TypeVolunteer)
	if cErr != nil {
		t.Fatalf("Get(volunteer) failed: %v", cErr)
	}
	if volCur == nil {
		t.Error("volunteer cursor did not advance despite its type succeeding")
	}

	evCur, cErr := orch.cursors.Get(ctx, entity.TypeEvent)
	if cErr != nil {
		t.Fatalf("Get(event) failed: %v", cErr)
	}
	if evCur != nil {
		t.Errorf("event cursor advanced despite pull failure: %+v", evCur)
	}
}

// TestRequestSync_RejectedRecordsPark verifies remote-rejected records are
// parked, not retried.
func TestRequestSync_RejectedRecordsPark(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	id, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Alice", time.Now().UTC()), PriorityNormal)
	if err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}
	rem.reject[id] = "name too long"

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	var status string
	if err := orch.store.DB().QueryRow(
		"SELECT status FROM change_queue WHERE id = ?", id).Scan(&status); err != nil {
		t.Fatalf("row query failed: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed (parked)", status)
	}
}

// TestRequestSync_TargetedSkipsPullAndCheckpoint verifies push-only mode
// transmits without touching cursors.
func TestRequestSync_TargetedSkipsPullAndCheckpoint(t *testing.T) {
	rem := newFakeRemote()
	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{remoteRow("v-9", "Should Not Appear", time.Now().UTC())}

	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Alice", time.Now().UTC()), PriorityHigh); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}

	if err := orch.RequestSync(ctx, ModeTargeted); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	if rem.pullCalls != 0 {
		t.Errorf("pull calls = %d in targeted mode, want 0", rem.pullCalls)
	}
	if len(rem.pushed[entity.TypeVolunteer]) != 1 {
		t.Errorf("push batches = %d, want 1", len(rem.pushed[entity.TypeVolunteer]))
	}
	cur, err := orch.cursors.Get(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("cursor advanced in targeted mode: %+v", cur)
	}
}

// TestRequestSync_Idempotent verifies running two cycles back to back with
// no new changes converges to the same state.
func TestRequestSync_Idempotent(t *testing.T) {
	rem := newFakeRemote()
	now := time.Now().UTC()
	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{remoteRow("v-1", "Alice", now)}

	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("first RequestSync() failed: %v", err)
	}
	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("second RequestSync() failed: %v", err)
	}

	count, err := orch.store.CountEntities(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("CountEntities() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d after repeated sync, want 1", count)
	}
	pending, err := orch.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

// TestRequestSync_RemoteDeleteWins verifies a remote tombstone removes the
// local row even when the local update is newer.
func TestRequestSync_RemoteDeleteWins(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Alice", now), PriorityNormal); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}
	rem.pullRows[entity.TypeVolunteer] = []RemoteRow{{
		ID: "v-1", UpdatedAt: now.Add(-time.Hour), Deleted: true,
	}}

	if err := orch.RequestSync(ctx, ModeManual); err != nil {
		t.Fatalf("RequestSync() failed: %v", err)
	}

	count, err := orch.store.CountEntities(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("CountEntities() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 (remote delete wins)", count)
	}
}

// TestStatus_ReportsEngineState verifies the status summary fields.
func TestStatus_ReportsEngineState(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	if _, err := orch.tracker.TrackPut(ctx, volunteerRecord(t, "v-1", "Alice", time.Now().UTC()), PriorityNormal); err != nil {
		t.Fatalf("TrackPut() failed: %v", err)
	}

	st, err := orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Syncing {
		t.Error("Syncing = true at rest")
	}
	if st.PendingCount != 1 {
		t.Errorf("PendingCount = %d, want 1", st.PendingCount)
	}
	if !st.LastSyncAt.IsZero() {
		t.Errorf("LastSyncAt = %v before first sync, want zero", st.LastSyncAt)
	}
}

// TestRequestSync_StoppedEngineRefuses verifies Stop() prevents new cycles.
func TestRequestSync_StoppedEngineRefuses(t *testing.T) {
	orch := newTestOrchestrator(t, newFakeRemote())
	orch.Stop()

	if err := orch.RequestSync(context.Background(), ModeManual); err == nil {
		t.Error("RequestSync() after Stop() should fail")
	}
}

// TestRequestSync_ApplyFailureRollsBack verifies a mid-apply storage failure
// on a large pull restores every pre-apply value from the snapshot and keeps
// cursors where they were.
func TestRequestSync_ApplyFailureRollsBack(t *testing.T) {
	rem := newFakeRemote()
	orch := newTestOrchestrator(t, rem)
	ctx := context.Background()

	// Seed local rows the pull will overwrite.
	old := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("v-%d", i)
		rec := volunteerRecord(t, id, "old-"+id, old)
		if err := orch.tracker.ApplyRemote(ctx, rec); err != nil {
			t.Fatalf("seed ApplyRemote(%s) failed: %v", id, err)
		}
	}

	// Seven planned applies clears the snapshot threshold. The last row is
	// unstorable (no payload, not a delete), so six writes land before the
	// failure.
	now := time.Now().UTC()
	var rows []RemoteRow
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("v-%d", i)
		rows = append(rows, remoteRow(id, "new-"+id, now))
	}
	rows = append(rows, remoteRow("v-new", "brand new", now))
	rows = append(rows, RemoteRow{ID: "v-bad", UpdatedAt: now})
	rem.pullRows[entity.TypeVolunteer] = rows

	if err := orch.RequestSync(ctx, ModeManual); err == nil {
		t.Fatal("RequestSync() succeeded despite a failed apply")
	}

	// Every overwritten row is back to its pre-apply value.
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("v-%d", i)
		rec, err := orch.store.GetEntity(ctx, entity.TypeVolunteer, id)
		if err != nil {
			t.Fatalf("GetEntity(%s) after rollback failed: %v", id, err)
		}
		var got struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(rec.Payload, &got); err != nil {
			t.Fatalf("unmarshal %s payload: %v", id, err)
		}
		if got.Name != "old-"+id {
			t.Errorf("%s name = %q, want pre-apply %q", id, got.Name, "old-"+id)
		}
	}

	// The row that didn't exist before the pull is gone again.
	if _, err := orch.store.GetEntity(ctx, entity.TypeVolunteer, "v-new"); err == nil {
		t.Error("v-new survived the rollback")
	}

	// No type may checkpoint over the failed apply.
	cur, err := orch.cursors.Get(ctx, entity.TypeVolunteer)
	if err != nil {
		t.Fatalf("cursor Get() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("cursor = %+v, want none after failed apply", cur)
	}

	// The snapshot is retained for inspection after a rollback.
	count, err := orch.backups.Count(ctx)
	if err != nil {
		t.Fatalf("backup Count() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("snapshots = %d, want the rollback's retained", count)
	}
}
