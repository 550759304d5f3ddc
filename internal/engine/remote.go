package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/volunteerkit/volsync/internal/entity"
)

// RemoteRow is one record pulled from the remote tabular store.
type RemoteRow struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PushResult reports the remote's verdict on a pushed batch.
type PushResult struct {
	// Accepted lists change record ids the remote acknowledged.
	Accepted []string
	// Rejected maps change record ids to the remote's rejection reason.
	// Rejections are permanent; the records are parked, not retried.
	Rejected map[string]string
	// VersionToken is the remote's version watermark after the write.
	VersionToken string
}

// Remote translates change records into remote API calls and remote rows
// back into local entity shapes. Implementations attach the bearer
// credential on every call and surface failures through the engine's error
// taxonomy so the orchestrator can pick the right recovery.
type Remote interface {
	// Pull returns rows changed since the cursor token (all history when
	// the token is empty), plus the new version token to checkpoint.
	Pull(ctx context.Context, et entity.Type, sinceToken string) ([]RemoteRow, string, error)

	// Push transmits a batch of change records for one entity type.
	Push(ctx context.Context, et entity.Type, records []*ChangeRecord) (*PushResult, error)
}
