package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flippercloud/internal/collector"
	"flippercloud/internal/logger"
	"flippercloud/internal/tracing"
)

func newCollectorCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run the reference collector that accepts event batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Collector.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := tracing.InitTracing(ctx, "flipper-collector")
			if err != nil {
				logger.Logger.Warn().Err(err).Msg("tracing disabled")
			} else {
				defer shutdownTracing()
			}

			c, err := collector.New(ctx, cfg)
			if err != nil {
				return err
			}
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides collector.addr")
	return cmd
}
