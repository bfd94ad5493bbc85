package main

import (
	"fmt"

	"github.com/harunnryd/kanri/cmd/kanri/runtime"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/statestore"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and update onboarding state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <identity>",
	Short: "Show the current onboarding record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		withHistory, _ := cmd.Flags().GetBool("history")

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			rec, err := rc.Service().GetOnboardingState(rc.Ctx, args[0])
			if err != nil {
				return err
			}
			var history []statestore.Transition
			if withHistory {
				history, err = rc.Service().History(rc.Ctx, args[0])
				if err != nil {
					return err
				}
			}
			return printOutput(out.FormatRecord(rec, history))
		})
	},
}

var stateUpdateCmd = &cobra.Command{
	Use:   "update <identity>",
	Short: "Update name, email or status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := updateFromFlags(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			if err := rc.Service().UpdateOnboardingState(rc.Ctx, args[0], u); err != nil {
				return err
			}
			fmt.Println("✓ Onboarding state updated")
			return nil
		})
	},
}

var stateSetStatusCmd = &cobra.Command{
	Use:   "set-status <identity> <status>",
	Short: "Move a record along the status graph",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := statestore.Status(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q (valid: %v)", args[1], statestore.AllStatuses())
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			if err := rc.Service().SetStatus(rc.Ctx, args[0], status); err != nil {
				return err
			}
			fmt.Printf("✓ Status set to %s\n", status)
			return nil
		})
	},
}

var stateHandoverCmd = &cobra.Command{
	Use:   "handover <identity>",
	Short: "Complete onboarding and print the agent that takes over",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			agentID, err := rc.Service().Handover(rc.Ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(agentID)
			return nil
		})
	},
}

var stateOAuthCmd = &cobra.Command{
	Use:   "oauth",
	Short: "Resolve OAuth callbacks",
}

var stateOAuthCompleteCmd = &cobra.Command{
	Use:   "complete <nonce>",
	Short: "Consume a nonce and mark OAuth complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			rec, err := rc.Service().CompleteOAuth(rc.Ctx, args[0])
			if err != nil {
				return err
			}
			return printOutput(out.FormatRecord(rec, nil))
		})
	},
}

var stateOAuthFailCmd = &cobra.Command{
	Use:   "fail <identity>",
	Short: "Record a failed OAuth exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			if err := rc.Service().MarkOAuthFailed(rc.Ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("✓ OAuth marked failed")
			return nil
		})
	},
}

var stateOAuthRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Issue nonces to records waiting on OAuth without one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			n, err := rc.Service().RegenerateMissingNonces(rc.Ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Issued %d nonces\n", n)
			return nil
		})
	},
}

var stateOAuthSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark records whose stored OAuth tokens are missing or expiring as failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			marked, err := rc.Service().SweepOAuthHealth(rc.Ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Marked %d agents oauth_failed\n", len(marked))
			for _, id := range marked {
				fmt.Printf("  %s\n", id)
			}
			return nil
		})
	},
}

func updateFromFlags(cmd *cobra.Command) (onboarding.Update, error) {
	var u onboarding.Update
	flags := cmd.Flags()

	if flags.Changed("name") {
		name, _ := flags.GetString("name")
		u.Name = &name
	}
	if flags.Changed("email") {
		email, _ := flags.GetString("email")
		u.Email = &email
	}
	if flags.Changed("status") {
		raw, _ := flags.GetString("status")
		status := statestore.Status(raw)
		if !status.Valid() {
			return onboarding.Update{}, fmt.Errorf("unknown status %q (valid: %v)", raw, statestore.AllStatuses())
		}
		u.Status = &status
	}

	if u.Name == nil && u.Email == nil && u.Status == nil {
		return onboarding.Update{}, fmt.Errorf("at least one of --name, --email or --status is required")
	}
	return u, nil
}

func init() {
	addOutputFlag(stateGetCmd)
	stateGetCmd.Flags().Bool("history", false, "include the status transition log")

	stateUpdateCmd.Flags().String("name", "", "display name")
	stateUpdateCmd.Flags().String("email", "", "email address")
	stateUpdateCmd.Flags().String("status", "", "new status")

	addOutputFlag(stateOAuthCompleteCmd)
	stateOAuthCmd.AddCommand(stateOAuthCompleteCmd)
	stateOAuthCmd.AddCommand(stateOAuthFailCmd)
	stateOAuthCmd.AddCommand(stateOAuthRegenerateCmd)
	stateOAuthCmd.AddCommand(stateOAuthSweepCmd)

	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateUpdateCmd)
	stateCmd.AddCommand(stateSetStatusCmd)
	stateCmd.AddCommand(stateHandoverCmd)
	stateCmd.AddCommand(stateOAuthCmd)
	rootCmd.AddCommand(stateCmd)
}
