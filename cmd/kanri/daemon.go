package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator as a long-lived service",
	Long:  `Starts Kanri with component lifecycle orchestration. It runs scheduled reconciliation, optionally watches the welcome agent's sessions for new identities, and exposes health and metrics endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		telemetryComp := components.NewTelemetryComponent()
		stateComp := components.NewStateStoreComponent(cfg)
		docComp := components.NewConfigDocumentComponent(cfg)
		toolComp := components.NewProvisionerComponent(cfg, telemetryComp)
		onboardingComp := components.NewOnboardingComponent(cfg, stateComp, docComp, toolComp, telemetryComp)
		schedulerComp := components.NewSchedulerComponent(cfg, onboardingComp)
		watcherComp := components.NewWatcherComponent(cfg, onboardingComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, telemetryComp)

		daemonMgr.AddComponent(telemetryComp)
		daemonMgr.AddComponent(stateComp)
		daemonMgr.AddComponent(docComp)
		daemonMgr.AddComponent(toolComp)
		daemonMgr.AddComponent(onboardingComp)
		daemonMgr.AddComponent(schedulerComp)
		daemonMgr.AddComponent(watcherComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Kanri daemon starting up...", "port", cfg.Server.Port, "state_dir", cfg.Paths.StateDir)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kanri daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kanri daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
