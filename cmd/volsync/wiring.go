package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/volunteerkit/volsync/internal/auditlog"
	"github.com/volunteerkit/volsync/internal/backup"
	"github.com/volunteerkit/volsync/internal/config"
	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/migrate"
	"github.com/volunteerkit/volsync/internal/remote"
	"github.com/volunteerkit/volsync/internal/store"
)

// mustDataDir locates the .volsync directory or exits with guidance.
func mustDataDir() string {
	dataDir := config.FindDataDir()
	if dataDir == "" {
		fmt.Fprintf(os.Stderr, "Error: %s directory not found\n", config.DataDirName)
		fmt.Fprintf(os.Stderr, "Run 'volsync init' in your project directory first\n")
		os.Exit(1)
	}
	return dataDir
}

// mustOpenStore opens the local database and ensures the schema exists.
func mustOpenStore(dataDir string) *store.Store {
	st, err := store.Open(config.DBPath(dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// mustLoadConfig loads settings from the data directory and environment.
func mustLoadConfig(dataDir string) *config.Config {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildEngine wires the full sync stack: remote adapter with throttling,
// backup manager, audit logger, and orchestrator.
func buildEngine(st *store.Store, dataDir string, cfg *config.Config) (*engine.Orchestrator, *auditlog.Logger, error) {
	if cfg.RemoteURL == "" {
		return nil, nil, fmt.Errorf("remote_url is not configured (set it in %s or VOLSYNC_REMOTE_URL)",
			filepath.Join(dataDir, "config.toml"))
	}
	if cfg.AuthToken == "" {
		return nil, nil, fmt.Errorf("auth_token is not configured (set it in %s or VOLSYNC_AUTH_TOKEN)",
			filepath.Join(dataDir, "config.toml"))
	}

	// Legacy state gates startup: no syncing over an unconverted journal.
	// The conversion is a no-op once the completion marker is set.
	if _, err := migrate.Run(context.Background(), st, migrate.Options{
		JournalPath: filepath.Join(dataDir, "pending.jsonl"),
		ConfigPath:  filepath.Join(dataDir, "sync.toml"),
		Backup:      true,
	}); err != nil {
		return nil, nil, fmt.Errorf("legacy state migration failed: %w", err)
	}

	adapter, err := remote.New(remote.Config{BaseURL: cfg.RemoteURL}, remote.StaticToken(cfg.AuthToken))
	if err != nil {
		return nil, nil, err
	}
	rem := remote.Throttle(adapter, cfg.ThrottleGap)

	audit := auditlog.New(st, auditlog.Options{
		FilePath:  config.AuditLogPath(dataDir),
		Retention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
	})

	backups := backup.New(st, cfg.BackupRetain, nil)

	bus := engine.NewEventBus()
	subscribeAudit(bus, audit)

	orch := engine.NewOrchestrator(st, rem, backups, bus, nil, engine.Config{
		BatchSize: cfg.BatchSize,
	})
	return orch, audit, nil
}

// subscribeAudit records sync lifecycle events in the audit trail.
func subscribeAudit(bus *engine.EventBus, audit *auditlog.Logger) {
	bus.Subscribe(func(ev engine.Event) {
		ctx := context.Background()
		switch ev.Kind {
		case engine.EventCycleStarted:
			audit.Info(ctx, auditlog.CategorySync, "sync cycle started", map[string]any{"mode": ev.Message})
		case engine.EventCycleCompleted:
			audit.Info(ctx, auditlog.CategorySync, "sync cycle completed", map[string]any{"mode": ev.Message})
		case engine.EventCycleFailed:
			audit.Error(ctx, auditlog.CategorySync, "sync cycle failed", map[string]any{"error": ev.Error})
		case engine.EventConflictResolved:
			audit.Info(ctx, auditlog.CategoryConflict, "conflict resolved", map[string]any{
				"entity_type": string(ev.EntityType),
				"entity_id":   ev.EntityID,
				"resolution":  ev.Message,
			})
		case engine.EventRecordParked:
			audit.Warn(ctx, auditlog.CategoryQueue, "change record parked", map[string]any{
				"entity_type": string(ev.EntityType),
				"entity_id":   ev.EntityID,
				"reason":      ev.Error,
			})
		case engine.EventCursorAdvanced:
			audit.Info(ctx, auditlog.CategorySync, "cursor advanced", map[string]any{
				"entity_type": string(ev.EntityType),
			})
		}
	})
}
