// Package migrate converts the legacy journal-file sync state into the
// database-backed queue and cursors. The conversion runs once: a metadata
// marker records completion and subsequent runs are no-ops.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/store"
)

// CompletedKey is the metadata marker written after a successful migration.
const CompletedKey = "legacy_migration_completed"

// JournalEntry is one line of the legacy pending.jsonl journal.
type JournalEntry struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	Urgent     bool            `json:"urgent,omitempty"`
	Timestamp  time.Time       `json:"ts"`
}

// LegacyConfig is the old sync.toml layout. Only the cursor section
// migrates; credentials move to the new config file by hand.
type LegacyConfig struct {
	Cursors map[string]LegacyCursor `toml:"cursors"`
}

// LegacyCursor is one per-type entry of the old sync.toml.
type LegacyCursor struct {
	Token    string `toml:"token"`
	SyncedAt string `toml:"synced_at"`
}

// Options configures the migration run.
type Options struct {
	// JournalPath is the legacy pending.jsonl location.
	JournalPath string
	// ConfigPath is the legacy sync.toml location. Empty skips cursor
	// migration (first sync pulls full history).
	ConfigPath string
	// DryRun parses and validates without writing anything.
	DryRun bool
	// Backup copies the journal aside before conversion.
	Backup bool
}

// Result reports what the migration did.
type Result struct {
	AlreadyDone     bool
	EntriesRead     int
	EntriesQueued   int
	EntriesSkipped  int
	CursorsMigrated int
	BackupCreated   string
	Errors          []string
}

// legacy action names map onto queue operations.
var actionOps = map[string]engine.Operation{
	"add":    engine.OpCreate,
	"modify": engine.OpUpdate,
	"remove": engine.OpDelete,
}

// Run performs the one-shot legacy conversion. It is idempotent: a completed
// marker short-circuits, and a run that fails partway leaves no marker so the
// next run redoes the whole conversion from the untouched journal.
func Run(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	result := &Result{}

	done, err := st.GetMetadata(ctx, CompletedKey)
	if err != nil {
		return nil, engine.NewError(engine.KindStorage, fmt.Errorf("failed to check migration marker: %w", err))
	}
	if done != "" {
		result.AlreadyDone = true
		return result, nil
	}

	if _, err := os.Stat(opts.JournalPath); os.IsNotExist(err) {
		// Fresh install, nothing legacy to convert. Mark done so the check
		// doesn't repeat every startup.
		if !opts.DryRun {
			if err := st.SetMetadata(ctx, CompletedKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return nil, engine.NewError(engine.KindStorage, err)
			}
		}
		return result, nil
	}

	entries, err := readJournal(opts.JournalPath)
	if err != nil {
		return nil, engine.NewError(engine.KindMigration, err)
	}
	result.EntriesRead = len(entries)

	var legacyCfg *LegacyConfig
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			legacyCfg = &LegacyConfig{}
			if _, err := toml.DecodeFile(opts.ConfigPath, legacyCfg); err != nil {
				return nil, engine.NewError(engine.KindMigration,
					fmt.Errorf("failed to parse legacy config %s: %w", opts.ConfigPath, err))
			}
		}
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.JournalPath + ".backup." + time.Now().Format("20060102-150405")
		if err := copyFile(opts.JournalPath, backupPath); err != nil {
			return nil, engine.NewError(engine.KindMigration, fmt.Errorf("failed to back up journal: %w", err))
		}
		result.BackupCreated = backupPath
	}

	queue := engine.NewQueue(st)
	for i, je := range entries {
		cr, err := entryToChange(je)
		if err != nil {
			// Malformed entries are skipped, not fatal: the journal was
			// append-only and a torn final line is common after a crash.
			result.EntriesSkipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		if opts.DryRun {
			result.EntriesQueued++
			continue
		}
		if err := queue.Enqueue(ctx, cr); err != nil {
			return nil, engine.NewError(engine.KindMigration,
				fmt.Errorf("failed to queue entry %d (%s/%s): %w", i+1, je.EntityType, je.EntityID, err))
		}
		result.EntriesQueued++
	}

	if !opts.DryRun {
		if err := validateCounts(ctx, st, result); err != nil {
			return nil, err
		}
	}

	if legacyCfg != nil {
		cursors := engine.NewCursorStore(st)
		for name, lc := range legacyCfg.Cursors {
			et := entity.Type(name)
			if !et.Valid() || lc.Token == "" {
				continue
			}
			if !opts.DryRun {
				if err := cursors.Advance(ctx, et, lc.Token); err != nil {
					return nil, engine.NewError(engine.KindMigration,
						fmt.Errorf("failed to migrate cursor for %s: %w", name, err))
				}
			}
			result.CursorsMigrated++
		}
	}

	if !opts.DryRun {
		if err := st.SetMetadata(ctx, CompletedKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, engine.NewError(engine.KindStorage, fmt.Errorf("failed to write migration marker: %w", err))
		}
		// The journal stays on disk renamed, never deleted: the marker is
		// what prevents reprocessing.
		if err := os.Rename(opts.JournalPath, opts.JournalPath+".migrated"); err != nil {
			return nil, engine.NewError(engine.KindMigration, fmt.Errorf("failed to retire journal: %w", err))
		}
	}

	return result, nil
}

// readJournal parses the append-only legacy journal, one JSON object per line.
func readJournal(path string) ([]JournalEntry, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	dec := json.NewDecoder(f)
	for {
		var je JournalEntry
		if err := dec.Decode(&je); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid journal entry at offset %d: %w", dec.InputOffset(), err)
		}
		entries = append(entries, je)
	}
	return entries, nil
}

// entryToChange converts one journal line into a change record. Urgent
// entries land in the high-priority tier; journal order is preserved by
// enqueue order.
func entryToChange(je JournalEntry) (*engine.ChangeRecord, error) {
	et := entity.Type(je.EntityType)
	if !et.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", je.EntityType)
	}
	if je.EntityID == "" {
		return nil, fmt.Errorf("missing entity id")
	}
	op, ok := actionOps[je.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", je.Action)
	}
	if op != engine.OpDelete && len(je.Data) == 0 {
		return nil, fmt.Errorf("%s entry for %s/%s has no data", je.Action, je.EntityType, je.EntityID)
	}

	pr := engine.PriorityNormal
	if je.Urgent {
		pr = engine.PriorityHigh
	}
	createdAt := je.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &engine.ChangeRecord{
		EntityType: et,
		EntityID:   je.EntityID,
		Op:         op,
		Payload:    je.Data,
		Priority:   pr,
		CreatedAt:  createdAt,
	}, nil
}

// validateCounts cross-checks the queue against what the journal yielded.
// A mismatch means the conversion is unsafe to commit.
func validateCounts(ctx context.Context, st *store.Store, result *Result) error {
	if result.EntriesQueued == 0 {
		return nil
	}
	queued, err := engine.NewQueue(st).PendingCount(ctx)
	if err != nil {
		return engine.NewError(engine.KindStorage, err)
	}
	// Coalescing can shrink the queue below the journal count (several
	// journal lines for one entity collapse), never grow it.
	if queued > result.EntriesQueued {
		return engine.NewError(engine.KindMigration,
			fmt.Errorf("queue count %d exceeds converted entries %d", queued, result.EntriesQueued))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.ReadFile(src) // #nosec G304 - controlled path
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, in, 0o600)
}
