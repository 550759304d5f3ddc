// Package dashboard event handling: bridges engine events to broadcasts.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/volunteerkit/volsync/internal/engine"
)

// PhaseData describes a state machine transition.
type PhaseData struct {
	Phase string `json:"phase"`
}

// CycleData describes a cycle lifecycle event.
type CycleData struct {
	Event string `json:"event"` // started, completed, failed
	Mode  string `json:"mode,omitempty"`
	Error string `json:"error,omitempty"`
}

// ConflictData describes a conflict detection or resolution.
type ConflictData struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Resolution string `json:"resolution,omitempty"`
}

// ParkedData describes a parked change record.
type ParkedData struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// StatusData mirrors the engine status summary for clients.
type StatusData struct {
	Phase        string    `json:"phase"`
	Syncing      bool      `json:"syncing"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	PendingCount int       `json:"pending_count"`
	Conflicts    int       `json:"conflicts"`
}

// Handler subscribes to the engine's event bus and formats events as
// dashboard messages. A cycle boundary also triggers a fresh status
// broadcast so clients never need to poll.
type Handler struct {
	server *Server
	orch   *engine.Orchestrator
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, orch *engine.Orchestrator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{server: server, orch: orch, logger: logger}
	orch.Events().Subscribe(h.onEvent)
	return h
}

func (h *Handler) onEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventPhaseChange:
		h.send(MessageTypePhase, PhaseData{Phase: string(ev.Phase)})

	case engine.EventCycleStarted:
		h.send(MessageTypeCycle, CycleData{Event: "started", Mode: ev.Message})

	case engine.EventCycleCompleted:
		h.send(MessageTypeCycle, CycleData{Event: "completed", Mode: ev.Message})
		h.broadcastStatus()

	case engine.EventCycleFailed:
		h.send(MessageTypeCycle, CycleData{Event: "failed", Error: ev.Error})
		h.broadcastStatus()

	case engine.EventConflictDetected:
		h.send(MessageTypeConflict, ConflictData{
			EntityType: string(ev.EntityType),
			EntityID:   ev.EntityID,
		})

	case engine.EventConflictResolved:
		h.send(MessageTypeConflict, ConflictData{
			EntityType: string(ev.EntityType),
			EntityID:   ev.EntityID,
			Resolution: ev.Message,
		})

	case engine.EventRecordParked:
		h.send(MessageTypeParked, ParkedData{
			EntityType: string(ev.EntityType),
			EntityID:   ev.EntityID,
			Reason:     ev.Error,
		})
	}
}

// broadcastStatus queries the engine and pushes fresh statistics.
func (h *Handler) broadcastStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.orch.Status(ctx)
	if err != nil {
		h.logger.Printf("Failed to read engine status: %v", err)
		return
	}
	h.send(MessageTypeStatus, StatusData{
		Phase:        string(st.Phase),
		Syncing:      st.Syncing,
		LastSyncAt:   st.LastSyncAt,
		PendingCount: st.PendingCount,
		Conflicts:    st.Conflicts,
	})
}

func (h *Handler) send(mt MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", mt, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      mt,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
