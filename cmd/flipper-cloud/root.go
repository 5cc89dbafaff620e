package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flippercloud/internal/config"
	"flippercloud/internal/logger"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "flipper-cloud",
		Short:         "Flipper cloud event producer and reference collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides the config")

	cmd.AddCommand(newCollectorCmd(&opts))
	cmd.AddCommand(newSendCmd(&opts))
	return cmd
}

// load reads the config and initializes logging
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
