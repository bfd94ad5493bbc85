package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/kanri/internal/config"
	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kanri",
	Short: "Kanri agent lifecycle orchestrator",
	Long:  `Kanri provisions one sandboxed agent per user identity, tracks onboarding state, and reconciles drift between the config document and the state store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(kerrors.NewDefaultErrorMapper(), err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kanri/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")
	rootCmd.PersistentFlags().String("paths.state_dir", "", "state directory (default is $OPENCLAW_STATE_DIR or $HOME/.openclaw)")
}
