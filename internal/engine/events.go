package engine

import (
	"sync"
	"time"

	"github.com/volunteerkit/volsync/internal/entity"
)

// Phase names a state of the orchestrator's cycle state machine.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePulling       Phase = "pulling"
	PhaseDiffing       Phase = "diffing"
	PhaseResolving     Phase = "resolving"
	PhaseApplying      Phase = "applying"
	PhasePushing       Phase = "pushing"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseFailed        Phase = "failed"
)

// EventKind classifies sync lifecycle notifications.
type EventKind string

const (
	// EventPhaseChange fires on every state machine transition.
	EventPhaseChange EventKind = "phase_change"
	// EventCycleStarted fires when a sync cycle leaves Idle.
	EventCycleStarted EventKind = "cycle_started"
	// EventCycleCompleted fires when a cycle returns to Idle successfully.
	EventCycleCompleted EventKind = "cycle_completed"
	// EventCycleFailed fires when a cycle aborts to Failed.
	EventCycleFailed EventKind = "cycle_failed"
	// EventConflictDetected fires once per diverged entity.
	EventConflictDetected EventKind = "conflict_detected"
	// EventConflictResolved fires when a conflict record is finalized.
	EventConflictResolved EventKind = "conflict_resolved"
	// EventRecordParked fires when a poisoned change record is removed from
	// the active queue after exhausting its retry budget.
	EventRecordParked EventKind = "record_parked"
	// EventCursorAdvanced fires when an entity type checkpoints a new
	// version token.
	EventCursorAdvanced EventKind = "cursor_advanced"
)

// Event is one sync lifecycle notification. Delivery is synchronous and
// ordered per subscriber; subscribers must not block.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Phase      Phase       `json:"phase,omitempty"`
	EntityType entity.Type `json:"entity_type,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// EventBus fans sync events out to subscribers. It replaces the source's
// browser-style listener registration with an explicit publish/subscribe
// surface the orchestrator is handed at construction.
type EventBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every subsequent event. Subscribers are invoked
// synchronously in registration order on the publishing goroutine.
func (b *EventBus) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers ev to all subscribers, stamping the time if unset.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
