package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/volunteerkit/volsync/internal/backup"
	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/store"
)

const (
	// DefaultBatchSize is the maximum number of change records per push call.
	DefaultBatchSize = 100

	// DefaultInterval is the periodic sync cadence when none is configured.
	DefaultInterval = 5 * time.Minute

	// DefaultBackupThreshold is the apply-batch size above which a snapshot
	// is taken before writing pulled rows.
	DefaultBackupThreshold = 5

	// DefaultMaxRecordAttempts is how many failed transmissions a change
	// record survives before it is parked.
	DefaultMaxRecordAttempts = 5
)

// Mode distinguishes what triggered a sync cycle.
type Mode string

const (
	// ModePeriodic is the scheduled background cycle. Skipped when the last
	// cycle finished too recently.
	ModePeriodic Mode = "periodic"
	// ModeManual is a user-requested cycle; it bypasses the minimum-interval
	// throttle.
	ModeManual Mode = "manual"
	// ModeTargeted pushes pending changes without pulling. Used for the
	// debounced high-priority flush; cursors do not advance.
	ModeTargeted Mode = "targeted"
)

// Config tunes the orchestrator. Zero values take the package defaults.
type Config struct {
	BatchSize         int
	BackupThreshold   int
	MaxRecordAttempts int
	// MinInterval throttles periodic triggers that arrive while the previous
	// cycle's results are still fresh.
	MinInterval time.Duration
	Backoff     BackoffPolicy
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BackupThreshold <= 0 {
		c.BackupThreshold = DefaultBackupThreshold
	}
	if c.MaxRecordAttempts <= 0 {
		c.MaxRecordAttempts = DefaultMaxRecordAttempts
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = DefaultBackoff()
	}
}

// Status is a point-in-time summary for the CLI and dashboard.
type Status struct {
	Phase        Phase     `json:"phase"`
	Syncing      bool      `json:"syncing"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	PendingCount int       `json:"pending_count"`
	Conflicts    int       `json:"conflicts"`
}

// Orchestrator runs the sync cycle state machine:
//
//	Idle -> Pulling -> Diffing -> Resolving -> Applying -> Pushing -> Checkpointing -> Idle
//
// Exactly one cycle runs at a time. Triggers that arrive mid-cycle coalesce
// into a single follow-up cycle instead of queueing. Each entity type moves
// through the cycle independently: a type that fails keeps its old cursor and
// its queued records while the others complete and checkpoint normally.
type Orchestrator struct {
	store    *store.Store
	remote   Remote
	tracker  *Tracker
	queue    *Queue
	cursors  *CursorStore
	resolver *Resolver
	backups  *backup.Manager
	bus      *EventBus
	logger   *slog.Logger
	cfg      Config

	mu          sync.Mutex
	phase       Phase
	syncing     bool
	runAgain    bool
	stopped     bool
	lastCycleAt time.Time
}

// NewOrchestrator wires the sync engine together. bus and logger may be nil.
func NewOrchestrator(st *store.Store, remote Remote, backups *backup.Manager, bus *EventBus, logger *slog.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if bus == nil {
		bus = NewEventBus()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		remote:   remote,
		tracker:  NewTracker(st),
		queue:    NewQueue(st),
		cursors:  NewCursorStore(st),
		resolver: NewResolver(st),
		backups:  backups,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		phase:    PhaseIdle,
	}
}

// Tracker returns the change tracker bound to this engine's store.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Queue returns the sync queue.
func (o *Orchestrator) Queue() *Queue { return o.queue }

// Resolver returns the conflict resolver.
func (o *Orchestrator) Resolver() *Resolver { return o.resolver }

// Events returns the event bus subscribers attach to.
func (o *Orchestrator) Events() *EventBus { return o.bus }

// Stop prevents further cycles from starting. A cycle in progress finishes
// its current phase and then aborts between phases.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
}

// Status reports the current engine state.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	o.mu.Lock()
	st := &Status{Phase: o.phase, Syncing: o.syncing}
	o.mu.Unlock()

	var err error
	if st.LastSyncAt, err = o.cursors.LastSyncedAt(ctx); err != nil {
		return nil, err
	}
	if st.PendingCount, err = o.queue.PendingCount(ctx); err != nil {
		return nil, err
	}
	if st.Conflicts, err = o.resolver.PendingCount(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// RequestSync triggers a sync cycle. If one is already running the request is
// coalesced: one follow-up cycle runs after the current one, no matter how
// many triggers arrived in between, and RequestSync returns immediately.
// Otherwise it runs the cycle (plus any coalesced follow-up) synchronously.
func (o *Orchestrator) RequestSync(ctx context.Context, mode Mode) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return fmt.Errorf("sync engine is stopped")
	}
	if o.syncing {
		o.runAgain = true
		o.mu.Unlock()
		o.logger.Debug("sync already running, coalescing trigger", "mode", string(mode))
		return nil
	}
	if mode == ModePeriodic && !o.lastCycleAt.IsZero() && time.Since(o.lastCycleAt) < o.cfg.MinInterval {
		o.mu.Unlock()
		o.logger.Debug("periodic trigger skipped, last cycle too recent")
		return nil
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.lastCycleAt = time.Now()
		o.mu.Unlock()
	}()

	err := o.runCycle(ctx, mode)

	for {
		o.mu.Lock()
		again := o.runAgain && !o.stopped
		o.runAgain = false
		o.mu.Unlock()
		if !again {
			break
		}
		// Coalesced follow-up picks up whatever changed mid-cycle.
		if rerr := o.runCycle(ctx, ModeManual); err == nil {
			err = rerr
		}
	}
	return err
}

// typeResult tracks one entity type's progress through a cycle.
type typeResult struct {
	rows      []RemoteRow
	pullToken string
	pushToken string
	pushed    bool
	err       error
}

func (o *Orchestrator) runCycle(ctx context.Context, mode Mode) error {
	start := time.Now()
	o.bus.Publish(Event{Kind: EventCycleStarted, Message: string(mode)})
	o.logger.Info("sync cycle started", "mode", string(mode))

	results := make(map[entity.Type]*typeResult)
	for _, et := range entity.AllTypes() {
		results[et] = &typeResult{}
	}

	if mode != ModeTargeted {
		if err := o.pullPhase(ctx, results); err != nil {
			return o.failCycle(err)
		}
		if o.aborted() {
			return o.failCycle(fmt.Errorf("sync stopped"))
		}
		if err := o.diffAndApplyPhase(ctx, results); err != nil {
			return o.failCycle(err)
		}
		if o.aborted() {
			return o.failCycle(fmt.Errorf("sync stopped"))
		}
	}

	o.pushPhase(ctx, results)
	if o.aborted() {
		return o.failCycle(fmt.Errorf("sync stopped"))
	}

	if mode != ModeTargeted {
		o.checkpointPhase(ctx, results)
	}

	o.setPhase(PhaseIdle)

	var firstErr error
	failed := 0
	for et, res := range results {
		if res.err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", et, res.err)
			}
		}
	}

	if failed == len(results) && firstErr != nil {
		o.bus.Publish(Event{Kind: EventCycleFailed, Error: firstErr.Error()})
		o.logger.Warn("sync cycle failed", "error", firstErr)
		return firstErr
	}

	o.bus.Publish(Event{Kind: EventCycleCompleted, Message: string(mode)})
	o.logger.Info("sync cycle completed",
		"mode", string(mode),
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"failed_types", failed)
	if firstErr != nil {
		// Partial failure: completed types checkpointed, the failed type
		// retries from its old cursor next cycle.
		return firstErr
	}
	return nil
}

// pullPhase fetches remote changes for every entity type. A pull failure
// marks only that type; the cycle continues for the rest.
func (o *Orchestrator) pullPhase(ctx context.Context, results map[entity.Type]*typeResult) error {
	o.setPhase(PhasePulling)

	for _, et := range entity.AllTypes() {
		res := results[et]

		cur, err := o.cursors.Get(ctx, et)
		if err != nil {
			return err
		}
		since := ""
		if cur != nil {
			since = cur.VersionToken
		}

		err = Retry(ctx, o.cfg.Backoff, func() error {
			rows, token, err := o.remote.Pull(ctx, et, since)
			if err != nil {
				return err
			}
			res.rows = rows
			res.pullToken = token
			return nil
		})
		if err != nil {
			if KindOf(err) == KindAuth {
				return err
			}
			res.err = err
			o.logger.Warn("pull failed", "entity_type", string(et), "error", err)
			continue
		}
		o.logger.Debug("pulled remote changes", "entity_type", string(et), "rows", len(res.rows))
	}
	return nil
}

// diffAndApplyPhase walks pulled rows against pending local changes, resolves
// divergences, and writes the winning remote rows locally. Applies above the
// backup threshold are snapshot-wrapped and rolled back on storage failure.
func (o *Orchestrator) diffAndApplyPhase(ctx context.Context, results map[entity.Type]*typeResult) error {
	o.setPhase(PhaseDiffing)

	type plannedApply struct {
		et  entity.Type
		row RemoteRow
	}
	var plan []plannedApply

	for _, et := range entity.AllTypes() {
		res := results[et]
		if res.err != nil || len(res.rows) == 0 {
			continue
		}

		pending, err := o.queue.PendingForType(ctx, et)
		if err != nil {
			res.err = err
			continue
		}

		for _, row := range res.rows {
			cr, diverged := pending[row.ID]
			if !diverged {
				plan = append(plan, plannedApply{et: et, row: row})
				continue
			}

			o.setPhase(PhaseResolving)
			o.bus.Publish(Event{Kind: EventConflictDetected, EntityType: et, EntityID: row.ID})

			localAt := cr.CreatedAt
			if rec, err := o.store.GetEntity(ctx, et, row.ID); err == nil {
				localAt = rec.UpdatedAt
			}

			resolution := Decide(localAt, row.UpdatedAt, cr.Op, row.Deleted)
			local := cr.Payload
			if _, err := o.resolver.Record(ctx, et, row.ID, local, row.Payload, resolution); err != nil {
				return err
			}
			o.bus.Publish(Event{
				Kind:       EventConflictResolved,
				EntityType: et,
				EntityID:   row.ID,
				Message:    string(resolution),
			})
			o.logger.Info("conflict resolved",
				"entity_type", string(et),
				"entity_id", row.ID,
				"resolution", string(resolution))

			if resolution == ResolutionRemoteWins {
				// The local change is discarded; the remote row is applied
				// and must not echo back out.
				if err := o.queue.Remove(ctx, cr.ID); err != nil {
					return err
				}
				plan = append(plan, plannedApply{et: et, row: row})
			}
			// Local wins: skip the remote row, the queued record pushes the
			// local version in this same cycle.
		}
	}

	if len(plan) == 0 {
		return nil
	}

	o.setPhase(PhaseApplying)

	// Snapshot the rows about to be overwritten so a mid-apply storage
	// failure can be rolled back instead of leaving a half-applied pull.
	backupID := ""
	if o.backups != nil && len(plan) > o.cfg.BackupThreshold {
		var prior []priorState
		for _, p := range plan {
			ps := priorState{EntityType: p.et, EntityID: p.row.ID}
			if rec, err := o.store.GetEntity(ctx, p.et, p.row.ID); err == nil {
				ps.Present = true
				ps.Payload = rec.Payload
				ps.UpdatedAt = rec.UpdatedAt
			}
			prior = append(prior, ps)
		}
		id, err := o.backups.Snapshot(ctx, "apply", prior, map[string]string{
			"rows": fmt.Sprintf("%d", len(plan)),
		})
		if err != nil {
			return err
		}
		backupID = id
	}

	for _, p := range plan {
		var err error
		if p.row.Deleted {
			err = o.tracker.ApplyRemoteDelete(ctx, p.et, p.row.ID)
		} else {
			err = o.tracker.ApplyRemote(ctx, &entity.Record{
				Type:      p.et,
				ID:        p.row.ID,
				UpdatedAt: p.row.UpdatedAt,
				Payload:   p.row.Payload,
			})
		}
		if err != nil {
			if backupID != "" {
				if rbErr := o.rollbackApply(ctx, backupID); rbErr != nil {
					return fmt.Errorf("apply failed and rollback failed: %w (apply: %v)", rbErr, err)
				}
			}
			// A failed apply poisons every pulled type: none may checkpoint
			// over possibly-unapplied rows.
			for _, res := range results {
				if res.err == nil {
					res.err = err
				}
			}
			return nil
		}
	}

	if backupID != "" {
		if err := o.backups.Delete(ctx, backupID); err != nil {
			o.logger.Warn("failed to delete apply snapshot", "backup_id", backupID, "error", err)
		}
	}
	return nil
}

// priorState is one entity's pre-apply snapshot row.
type priorState struct {
	EntityType entity.Type     `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Present    bool            `json:"present"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

func (o *Orchestrator) rollbackApply(ctx context.Context, backupID string) error {
	return o.backups.Rollback(ctx, backupID, func(data []byte) error {
		var prior []priorState
		if err := json.Unmarshal(data, &prior); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		for _, ps := range prior {
			if !ps.Present {
				if err := o.store.DeleteEntity(ctx, ps.EntityType, ps.EntityID); err != nil {
					return err
				}
				continue
			}
			err := o.store.PutEntity(ctx, &entity.Record{
				Type:      ps.EntityType,
				ID:        ps.EntityID,
				UpdatedAt: ps.UpdatedAt,
				Payload:   ps.Payload,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// pushPhase drains and transmits the queue per entity type in batches.
// Accepted records are acknowledged, rejected ones parked, and a failed batch
// is requeued (or parked past the attempt cap) without aborting other types.
func (o *Orchestrator) pushPhase(ctx context.Context, results map[entity.Type]*typeResult) {
	o.setPhase(PhasePushing)

	for _, et := range entity.AllTypes() {
		res := results[et]
		if res.err != nil {
			// Pull failed: leave this type's queue alone so push order never
			// runs ahead of an unseen remote state.
			continue
		}

		res.pushed = true
		for {
			batch, err := o.queue.DrainType(ctx, et, o.cfg.BatchSize)
			if err != nil {
				res.err = err
				break
			}
			if len(batch) == 0 {
				break
			}

			var pr *PushResult
			err = Retry(ctx, o.cfg.Backoff, func() error {
				var err error
				pr, err = o.remote.Push(ctx, et, batch)
				return err
			})
			if err != nil {
				o.handlePushFailure(ctx, et, batch, err)
				res.err = err
				break
			}

			if err := o.queue.Acknowledge(ctx, pr.Accepted); err != nil {
				res.err = err
				break
			}
			for id, reason := range pr.Rejected {
				if err := o.queue.Park(ctx, id, reason); err != nil {
					o.logger.Warn("failed to park rejected record", "id", id, "error", err)
					continue
				}
				o.bus.Publish(Event{Kind: EventRecordParked, EntityType: et, EntityID: id, Error: reason})
			}
			if pr.VersionToken != "" {
				res.pushToken = pr.VersionToken
			}
			o.logger.Debug("pushed batch",
				"entity_type", string(et),
				"accepted", len(pr.Accepted),
				"rejected", len(pr.Rejected))

			if o.aborted() {
				return
			}
		}
	}
}

// handlePushFailure requeues a failed batch, parking any record that has
// exhausted its attempt budget so it cannot wedge the queue.
func (o *Orchestrator) handlePushFailure(ctx context.Context, et entity.Type, batch []*ChangeRecord, cause error) {
	o.logger.Warn("push failed", "entity_type", string(et), "batch", len(batch), "error", cause)

	var requeue []string
	for _, cr := range batch {
		if cr.Attempts+1 >= o.cfg.MaxRecordAttempts {
			if err := o.queue.Park(ctx, cr.ID, cause.Error()); err != nil {
				o.logger.Warn("failed to park record", "id", cr.ID, "error", err)
				continue
			}
			o.bus.Publish(Event{Kind: EventRecordParked, EntityType: et, EntityID: cr.EntityID, Error: cause.Error()})
			continue
		}
		requeue = append(requeue, cr.ID)
	}
	if err := o.queue.Requeue(ctx, requeue); err != nil {
		o.logger.Error("failed to requeue batch", "entity_type", string(et), "error", err)
	}
}

// checkpointPhase advances cursors for types whose pull and push both
// succeeded. The push token wins over the pull token when the remote returned
// one, so the next pull starts after this cycle's own writes.
func (o *Orchestrator) checkpointPhase(ctx context.Context, results map[entity.Type]*typeResult) {
	o.setPhase(PhaseCheckpointing)

	for _, et := range entity.AllTypes() {
		res := results[et]
		if res.err != nil || !res.pushed {
			continue
		}
		token := res.pullToken
		if res.pushToken != "" {
			token = res.pushToken
		}
		if token == "" {
			continue
		}
		if err := o.cursors.Advance(ctx, et, token); err != nil {
			res.err = err
			o.logger.Warn("checkpoint failed", "entity_type", string(et), "error", err)
			continue
		}
		o.bus.Publish(Event{Kind: EventCursorAdvanced, EntityType: et, Message: token})
	}
}

func (o *Orchestrator) failCycle(err error) error {
	o.setPhase(PhaseFailed)
	o.bus.Publish(Event{Kind: EventCycleFailed, Error: err.Error()})
	o.logger.Warn("sync cycle failed", "error", err)
	o.setPhase(PhaseIdle)
	return err
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	if o.phase == p {
		o.mu.Unlock()
		return
	}
	o.phase = p
	o.mu.Unlock()
	o.bus.Publish(Event{Kind: EventPhaseChange, Phase: p})
}

func (o *Orchestrator) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}
