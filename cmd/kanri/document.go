package main

import (
	"fmt"

	"github.com/harunnryd/kanri/cmd/kanri/runtime"
	"github.com/harunnryd/kanri/internal/configdoc"

	"github.com/spf13/cobra"
)

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Manage the shared config document",
}

var documentBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the config document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			handle, err := rc.Document().Backup(rc.Ctx)
			if err != nil {
				return err
			}
			fmt.Println(handle)
			return nil
		})
	},
}

var documentBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List config document backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			backups, err := rc.Document().ListBackups()
			if err != nil {
				return err
			}
			return printOutput(out.FormatBackups(backups))
		})
	},
}

var documentRestoreCmd = &cobra.Command{
	Use:   "restore <handle>",
	Short: "Replace the config document with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(rc *runtime.RuntimeComponents) error {
			if err := rc.Document().Restore(rc.Ctx, configdoc.BackupHandle(args[0])); err != nil {
				return err
			}
			fmt.Printf("✓ Restored %s from %s\n", rc.Document().Path(), args[0])
			return nil
		})
	},
}

func init() {
	addOutputFlag(documentBackupsCmd)
	documentCmd.AddCommand(documentBackupCmd)
	documentCmd.AddCommand(documentBackupsCmd)
	documentCmd.AddCommand(documentRestoreCmd)
	rootCmd.AddCommand(documentCmd)
}
