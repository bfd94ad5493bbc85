package main

import (
	"github.com/harunnryd/kanri/cmd/kanri/runtime"

	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <identity>",
	Short: "Provision an agent for a user identity",
	Long:  `Creates the onboarding record, sandboxed agent, workspace and channel binding for an identity. Provisioning an identity that already has a live record returns the existing agent.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			res, err := rc.Service().Provision(rc.Ctx, args[0])
			if err != nil {
				return err
			}
			return printOutput(out.FormatResult(res))
		})
	},
}

func init() {
	addOutputFlag(provisionCmd)
	rootCmd.AddCommand(provisionCmd)
}
