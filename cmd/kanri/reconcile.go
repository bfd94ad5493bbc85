package main

import (
	"github.com/harunnryd/kanri/cmd/kanri/runtime"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect and repair drift between the config document and the state store",
	Long:  `Runs one reconciliation pass. With --dry-run it reports orphaned agents, invalid bindings, orphaned records and stale records without changing anything.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			report, err := rc.Reconciler().Trigger(rc.Ctx, dryRun)
			if err != nil {
				return err
			}
			return printOutput(out.FormatReport(report))
		})
	},
}

var reconcileHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded reconciliation runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			return printOutput(out.FormatRuns(rc.Reconciler().History()))
		})
	},
}

func init() {
	addOutputFlag(reconcileCmd)
	reconcileCmd.Flags().Bool("dry-run", false, "report findings without repairing")

	addOutputFlag(reconcileHistoryCmd)
	reconcileCmd.AddCommand(reconcileHistoryCmd)
	rootCmd.AddCommand(reconcileCmd)
}
