package main

import (
	"context"
	"fmt"
	"os"

	"github.com/harunnryd/kanri/cmd/kanri/runtime"
	"github.com/harunnryd/kanri/internal/config"
	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/formatter"

	"github.com/spf13/cobra"
)

func executeWithRuntime(cmd *cobra.Command, fn func(*runtime.RuntimeComponents) error) error {
	loadedCfg, err := loadConfigForCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	signals := NewSignalHandler(context.Background())
	signals.Start()
	defer signals.Stop()

	components, err := runtime.NewRuntimeBuilder().
		WithContext(signals.Context()).
		WithConfig(loadedCfg).
		Build()
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer components.Stop()

	return fn(components)
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
}

func outputFormatter(cmd *cobra.Command) (formatter.Formatter, error) {
	raw, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(raw)
	if err != nil {
		return nil, err
	}
	return formatter.NewFormatterFactory().Create(format)
}

func printOutput(out string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(os.Stdout, out)
	return nil
}

// describeError tags err with its category and marks errors the caller may
// retry unchanged.
func describeError(mapper kerrors.ErrorMapper, err error) string {
	category := mapper.Category(err)
	if category == "" || category == "Unknown" {
		return err.Error()
	}
	msg := fmt.Sprintf("Error [%s]: %v", category, err)
	if mapper.IsRetryable(err) {
		msg += " (retryable)"
	}
	return msg
}
