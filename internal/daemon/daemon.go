// Package daemon runs the background sync loop.
//
// The daemon:
// 1. Recovers records stranded inflight by a previous crash
// 2. Triggers periodic sync cycles on a fixed interval
// 3. Flushes high-priority changes early, debounced so bursts batch up
// 4. Watches the data directory for a sync-now trigger file
// 5. Sweeps expired audit entries once a day
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/volunteerkit/volsync/internal/auditlog"
	"github.com/volunteerkit/volsync/internal/engine"
)

// TriggerFile is the filename that, when created in the data directory,
// requests an immediate manual sync. Other processes (or the user) touch it;
// the daemon consumes and removes it.
const TriggerFile = "sync-now"

// FlushFile is the filename that requests a debounced high-priority push.
// The CLI touches it after interactive edits so a running daemon transmits
// them ahead of the next interval.
const FlushFile = "flush-now"

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is the periodic sync cadence.
	SyncInterval time.Duration

	// FlushDebounce is how long after a high-priority change the daemon
	// waits before pushing, so rapid edits batch into one call.
	FlushDebounce time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  engine.DefaultInterval,
		FlushDebounce: 2 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives the orchestrator from timers and filesystem triggers.
type Daemon struct {
	orch    *engine.Orchestrator
	audit   *auditlog.Logger
	dataDir string
	config  *Config

	watcher *fsnotify.Watcher

	flushMu    sync.Mutex
	flushAsked time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an orchestrator. audit may be nil.
func New(orch *engine.Orchestrator, audit *auditlog.Logger, dataDir string, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.FlushDebounce <= 0 {
		config.FlushDebounce = def.FlushDebounce
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		orch:    orch,
		audit:   audit,
		dataDir: dataDir,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	recovered, err := d.orch.Queue().RecoverInflight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover inflight records: %w", err)
	}
	if recovered > 0 {
		d.config.Logger.Printf("Recovered %d inflight records from previous run", recovered)
	}

	if err := d.watcher.Add(d.dataDir); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dataDir)

	// Parked records only surface in the daemon log; everything else on the
	// bus is already recorded by the audit subscriber.
	d.orch.Events().Subscribe(func(ev engine.Event) {
		if ev.Kind == engine.EventRecordParked {
			d.config.Logger.Printf("Record parked: %s/%s: %s", ev.EntityType, ev.EntityID, ev.Error)
		}
	})

	// Initial cycle so a restart doesn't wait a full interval.
	if err := d.orch.RequestSync(d.ctx, engine.ModeManual); err != nil {
		d.config.Logger.Printf("Initial sync failed: %v", err)
	}

	d.wg.Add(4)
	go d.periodicSync()
	go d.watchTriggerFile()
	go d.flushLoop()
	go d.sweepAuditLog()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()
	d.orch.Stop()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// RequestFlush schedules a debounced high-priority push. Called after
// interactive edits so they reach the remote ahead of the next interval.
func (d *Daemon) RequestFlush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	d.flushAsked = time.Now()
}

// periodicSync triggers a cycle every SyncInterval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.orch.RequestSync(d.ctx, engine.ModePeriodic); err != nil {
				d.config.Logger.Printf("Periodic sync failed: %v", err)
			}
		}
	}
}

// watchTriggerFile reacts to trigger files dropped in the data directory:
// the sync file runs a manual cycle, the flush file schedules a debounced
// high-priority push. Both files are consumed.
func (d *Daemon) watchTriggerFile() {
	defer d.wg.Done()

	triggerPath := filepath.Join(d.dataDir, TriggerFile)
	flushPath := filepath.Join(d.dataDir, FlushFile)

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			switch event.Name {
			case triggerPath:
				d.config.Logger.Println("Sync trigger file detected")
				if err := os.Remove(triggerPath); err != nil && !os.IsNotExist(err) {
					d.config.Logger.Printf("Failed to remove trigger file: %v", err)
				}
				if err := d.orch.RequestSync(d.ctx, engine.ModeManual); err != nil {
					d.config.Logger.Printf("Triggered sync failed: %v", err)
				}

			case flushPath:
				d.config.Logger.Println("Flush trigger file detected")
				if err := os.Remove(flushPath); err != nil && !os.IsNotExist(err) {
					d.config.Logger.Printf("Failed to remove flush file: %v", err)
				}
				d.RequestFlush()
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// flushLoop pushes pending changes once a requested flush has been quiet for
// the debounce window.
func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FlushDebounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.flushMu.Lock()
			asked := d.flushAsked
			due := !asked.IsZero() && time.Since(asked) >= d.config.FlushDebounce
			if due {
				d.flushAsked = time.Time{}
			}
			d.flushMu.Unlock()

			if !due {
				continue
			}
			d.config.Logger.Println("Flushing high-priority changes")
			if err := d.orch.RequestSync(d.ctx, engine.ModeTargeted); err != nil {
				d.config.Logger.Printf("Flush failed: %v", err)
			}
		}
	}
}

// sweepAuditLog removes expired audit entries once a day.
func (d *Daemon) sweepAuditLog() {
	defer d.wg.Done()

	if d.audit == nil {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	// One sweep at startup catches a long-stopped daemon.
	if n, err := d.audit.Sweep(d.ctx); err != nil {
		d.config.Logger.Printf("Audit sweep failed: %v", err)
	} else if n > 0 {
		d.config.Logger.Printf("Swept %d expired audit entries", n)
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if n, err := d.audit.Sweep(d.ctx); err != nil {
				d.config.Logger.Printf("Audit sweep failed: %v", err)
			} else if n > 0 {
				d.config.Logger.Printf("Swept %d expired audit entries", n)
			}
		}
	}
}
