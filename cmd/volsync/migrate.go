package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/volunteerkit/volsync/internal/migrate"
	"github.com/volunteerkit/volsync/internal/ui"
)

var (
	migrateDryRun   bool
	migrateNoBackup bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert legacy journal sync state into the database",
	Long: `Convert the old file-based sync state into the database-backed queue.

Reads the legacy pending.jsonl journal and sync.toml cursor file from the
data directory, rebuilds the change queue and per-type cursors, and marks
the migration complete. Running again after completion is a no-op.

The journal is renamed to pending.jsonl.migrated, never deleted.`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		st := mustOpenStore(dataDir)
		defer st.Close()

		opts := migrate.Options{
			JournalPath: filepath.Join(dataDir, "pending.jsonl"),
			ConfigPath:  filepath.Join(dataDir, "sync.toml"),
			DryRun:      migrateDryRun,
			Backup:      !migrateNoBackup,
		}

		if migrateDryRun {
			fmt.Printf("%s Dry run: nothing will be written\n", ui.RenderWarn("⚠"))
		}

		result, err := migrate.Run(cmd.Context(), st, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Migration failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		if result.AlreadyDone {
			fmt.Printf("%s Migration already completed, nothing to do\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Migration complete\n", ui.RenderPass("✓"))
		fmt.Printf("   Journal entries read: %d\n", result.EntriesRead)
		fmt.Printf("   Changes queued: %d\n", result.EntriesQueued)
		fmt.Printf("   Cursors migrated: %d\n", result.CursorsMigrated)
		if result.EntriesSkipped > 0 {
			fmt.Printf("   %s Skipped malformed entries: %d\n", ui.RenderWarn("⚠"), result.EntriesSkipped)
			for _, msg := range result.Errors {
				fmt.Printf("     %s\n", ui.RenderMuted(msg))
			}
		}
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "parse and validate without writing")
	migrateCmd.Flags().BoolVar(&migrateNoBackup, "no-backup", false, "skip the journal backup copy")
	rootCmd.AddCommand(migrateCmd)
}
