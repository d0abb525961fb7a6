package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/itskum47/FwForge/control_plane/config"
	"github.com/itskum47/FwForge/control_plane/logging"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the fwforge command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "fwforge",
		Short: "Firmware build orchestration against Bamboo CI",
		Long: `fwforge queues firmware layer builds, admits them under a concurrency
cap, triggers the matching Bamboo plan and tracks each stage through
polling and webhooks until the build and its release eligibility settle.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfigPath),
		"path to the YAML config file (env "+config.EnvConfigPath+")")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command with the given output writers.
func Execute(stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

// load reads the config and builds the process logger from it.
func (o *rootOptions) load(stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
