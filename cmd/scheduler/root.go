package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/studio-scheduler/internal/config"
	"github.com/example/studio-scheduler/internal/logging"
)

type rootOptions struct {
	configFile string
	envFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "Session scheduling service for training studios",
		Long: `scheduler books training sessions between trainers and clients, detects
double-bookings, expands recurring series and keeps concurrent editors in sync.

Settings are read from SCHEDULER_* environment variables, an optional YAML file
and .env files.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files to preload")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newActorsCommand(opts),
		newExpandCommand(),
	)
	return root
}

// load reads the configuration and builds the process logger from it.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Options{File: o.configFile, DotEnv: o.envFiles})
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}
