package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/volunteerkit/volsync/internal/auditlog"
	"github.com/volunteerkit/volsync/internal/ui"
)

var auditSince string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the sync audit trail",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as JSONL to stdout",
	Long: `Export retained audit entries as JSON Lines, oldest first.

--since accepts RFC 3339 timestamps or natural language:

  volsync audit export --since "2026-08-01T00:00:00Z"
  volsync audit export --since "last monday"
  volsync audit export --since "3 days ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		cfg := mustLoadConfig(dataDir)
		st := mustOpenStore(dataDir)
		defer st.Close()

		var since time.Time
		if auditSince != "" {
			var err error
			since, err = parseSince(auditSince)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		logger := auditlog.New(st, auditlog.Options{
			Retention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		})
		defer logger.Close()

		n, err := logger.Export(cmd.Context(), since, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting audit log: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d entries\n", ui.RenderPass("✓"), n)
	},
}

var auditSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete audit entries past the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		cfg := mustLoadConfig(dataDir)
		st := mustOpenStore(dataDir)
		defer st.Close()

		logger := auditlog.New(st, auditlog.Options{
			Retention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		})
		defer logger.Close()

		n, err := logger.Sweep(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sweeping audit log: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Removed %d expired entries\n", ui.RenderPass("✓"), n)
	},
}

// parseSince accepts RFC 3339 or natural-language times.
func parseSince(input string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(input, time.Now())
	if err != nil || result == nil {
		return time.Time{}, fmt.Errorf("could not parse time %q", input)
	}
	return result.Time, nil
}

func init() {
	auditExportCmd.Flags().StringVar(&auditSince, "since", "", "only entries after this time")
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditSweepCmd)
	rootCmd.AddCommand(auditCmd)
}
