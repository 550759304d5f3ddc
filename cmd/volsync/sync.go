package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/volunteerkit/volsync/internal/config"
	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/ui"
)

var syncPushOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle against the remote",
	Long: `Run one full sync cycle:

  1. Pull remote changes for each entity type
  2. Resolve conflicts against pending local edits
  3. Apply winning remote rows locally
  4. Push queued local changes in batches
  5. Checkpoint per-type cursors

Types that fail keep their old cursor and retry next run; the others
complete normally.`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		cfg := mustLoadConfig(dataDir)
		st := mustOpenStore(dataDir)
		defer st.Close()

		orch, audit, err := buildEngine(st, dataDir, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer audit.Close()

		ctx := cmd.Context()
		if recovered, err := orch.Queue().RecoverInflight(ctx); err == nil && recovered > 0 {
			fmt.Printf("%s Recovered %d inflight records from previous run\n", ui.RenderWarn("⚠"), recovered)
		}

		mode := engine.ModeManual
		if syncPushOnly {
			mode = engine.ModeTargeted
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.RemoteURL)
		start := time.Now()

		if err := orch.RequestSync(ctx, mode); err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		status, err := orch.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pending changes: %d\n", status.PendingCount)
		if status.Conflicts > 0 {
			fmt.Printf("   %s Unresolved conflicts: %d (run 'volsync conflicts')\n",
				ui.RenderWarn("⚠"), status.Conflicts)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		st := mustOpenStore(dataDir)
		defer st.Close()

		ctx := cmd.Context()
		queue := engine.NewQueue(st)
		cursors := engine.NewCursorStore(st)
		resolver := engine.NewResolver(st)

		pending, err := queue.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		conflicts, err := resolver.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		lastSync, err := cursors.LastSyncedAt(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", config.DBPath(dataDir))
		fmt.Printf("Pending changes: %d\n", pending)
		fmt.Printf("Unresolved conflicts: %d\n", conflicts)
		if lastSync.IsZero() {
			fmt.Printf("Last sync: %s\n", ui.RenderMuted("never"))
		} else {
			fmt.Printf("Last sync: %s (%s ago)\n",
				lastSync.Local().Format("2006-01-02 15:04:05"),
				time.Since(lastSync).Round(time.Second))
		}
		fmt.Println()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a .volsync directory here",
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := config.DataDirName
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dataDir, err)
			os.Exit(1)
		}

		st := mustOpenStore(dataDir)
		defer st.Close()

		fmt.Printf("%s Initialized %s\n", ui.RenderPass("✓"), dataDir)
		fmt.Printf("   Database: %s\n", config.DBPath(dataDir))
		fmt.Printf("   Configure the remote in %s/config.toml or via VOLSYNC_ environment variables\n", dataDir)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPushOnly, "push-only", false, "push queued changes without pulling")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}
