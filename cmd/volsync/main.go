// Command volsync is the offline-first sync tool for the volunteer tracker.
//
// Local edits land in SQLite immediately and queue for transmission; the
// sync engine reconciles them with the hosted remote on demand or from the
// background daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "volsync",
	Short: "Offline-first sync for the volunteer tracker",
	Long: `volsync keeps a local volunteer/event/attendance database and
synchronizes it with the hosted remote store.

All edits apply locally first and queue for transmission, so the tool
stays fully usable without connectivity. Run 'volsync sync' to reconcile
with the remote, or 'volsync daemon' to sync continuously.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
