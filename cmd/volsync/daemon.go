package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/volunteerkit/volsync/internal/daemon"
	"github.com/volunteerkit/volsync/internal/dashboard"
	"github.com/volunteerkit/volsync/internal/ui"
)

var daemonWithDashboard bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon in foreground mode.

The daemon will:
  1. Recover any records stranded inflight by a crash
  2. Sync on the configured interval
  3. Flush high-priority changes early, debounced
  4. Watch for a ` + daemon.TriggerFile + ` file in the data directory
  5. Sweep expired audit entries daily

Use --dashboard to also serve the real-time WebSocket dashboard.`,
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

		dcfg := daemon.DefaultConfig()
		if cfg.SyncInterval > 0 {
			dcfg.SyncInterval = cfg.SyncInterval
		}

		d, err := daemon.New(orch, audit, dataDir, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		if daemonWithDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.DashboardPort,
				Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
			})
			dashboard.NewHandler(server, orch, nil)
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()
			fmt.Printf("%s Dashboard: http://localhost:%d\n", ui.RenderAccent("📡"), cfg.DashboardPort)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Remote: %s\n", cfg.RemoteURL)
		fmt.Printf("   Interval: %v\n", dcfg.SyncInterval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the sync dashboard without the daemon",
	Long: `Serve the WebSocket dashboard on its own.

Useful when another process runs the daemon; the dashboard still reflects
queue and conflict state, refreshed every few seconds.`,
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

		server := dashboard.NewServer(&dashboard.Config{Port: cfg.DashboardPort})
		dashboard.NewHandler(server, orch, nil)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer server.Stop()

		fmt.Printf("%s Dashboard listening on http://localhost:%d\n", ui.RenderAccent("📡"), cfg.DashboardPort)
		fmt.Printf("Press Ctrl+C to stop\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonWithDashboard, "dashboard", false, "also serve the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
