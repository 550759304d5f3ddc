package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/entity"
	"github.com/volunteerkit/volsync/internal/ui"
)

var conflictsResolve bool

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List recorded sync conflicts",
	Long: `List conflicts detected during sync, newest first.

Conflicts resolve automatically by last-write-wins, but the record of every
decision stays in the database. Use --resolve to walk through any still
pending (e.g. after a manual-review policy) interactively.`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := mustDataDir()
		st := mustOpenStore(dataDir)
		defer st.Close()

		ctx := cmd.Context()
		resolver := engine.NewResolver(st)

		if conflictsResolve {
			resolveInteractive(cmd, resolver)
			return
		}

		records, err := resolver.List(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("%s No conflicts recorded\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s Conflicts (%d)\n\n", ui.RenderAccent("⚔"), len(records))
		for _, cr := range records {
			marker := ui.RenderPass("resolved")
			if cr.Resolution == engine.ResolutionPending {
				marker = ui.RenderWarn("pending")
			}
			fmt.Printf("%s  %s/%s  %s  %s\n",
				cr.DetectedAt.Local().Format("2006-01-02 15:04:05"),
				cr.EntityType, cr.EntityID,
				string(cr.Resolution), marker)
		}
		fmt.Println()
	},
}

// resolveInteractive walks pending conflicts one at a time, showing both
// sides and asking which should win.
func resolveInteractive(cmd *cobra.Command, resolver *engine.Resolver) {
	ctx := cmd.Context()

	records, err := resolver.List(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Printf("%s No pending conflicts\n", ui.RenderPass("✓"))
		return
	}

	for i, cr := range records {
		fmt.Printf("\n%s Conflict %d/%d: %s/%s\n",
			ui.RenderAccent("⚔"), i+1, len(records), cr.EntityType, cr.EntityID)
		fmt.Printf("  Local:  %s\n", summarizePayload(cr.EntityType, cr.Local))
		fmt.Printf("  Remote: %s\n", summarizePayload(cr.EntityType, cr.Remote))

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which version should win?").
				Options(
					huh.NewOption("Keep local", string(engine.ResolutionLocalWins)),
					huh.NewOption("Keep remote", string(engine.ResolutionRemoteWins)),
					huh.NewOption("Skip for now", "skip"),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Aborted: %v\n", err)
			os.Exit(1)
		}
		if choice == "skip" {
			continue
		}

		if err := resolver.Resolve(ctx, cr.ID, engine.Resolution(choice)); err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Recorded %s for %s/%s\n", ui.RenderPass("✓"), choice, cr.EntityType, cr.EntityID)
	}
}

// summarizePayload renders a one-line description of a conflict side.
func summarizePayload(et entity.Type, raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ui.RenderMuted("(deleted)")
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}

	label := ""
	switch et {
	case entity.TypeVolunteer:
		label, _ = fields["name"].(string)
	case entity.TypeEvent:
		label, _ = fields["title"].(string)
	case entity.TypeAttendance:
		v, _ := fields["volunteer_id"].(string)
		e, _ := fields["event_id"].(string)
		label = v + " @ " + e
	}

	updated := ""
	if ts, ok := fields["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			updated = " (updated " + t.Local().Format("2006-01-02 15:04:05") + ")"
		}
	}
	if label == "" {
		return string(raw)
	}
	return label + updated
}

func init() {
	conflictsCmd.Flags().BoolVar(&conflictsResolve, "resolve", false, "interactively resolve pending conflicts")
	rootCmd.AddCommand(conflictsCmd)
}
