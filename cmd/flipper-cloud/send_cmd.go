package main

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"flippercloud/internal/cloud"
	"flippercloud/internal/instrument"
	"flippercloud/internal/logger"
)

type sendOptions struct {
	URL      string
	Token    string
	Features []string
	Actors   int
	Count    int
	Interval time.Duration
}

type actor string

func (a actor) FlipperID() string { return string(a) }

func newSendCmd(root *rootOptions) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send --features a,b --count 100",
		Short: "Simulate feature evaluations and deliver them to a collector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.Features) == 0 {
				return errors.New("--features is required")
			}
			if opts.Count <= 0 {
				return errors.New("--count must be positive")
			}

			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.URL != "" {
				cfg.Cloud.URL = opts.URL
			}
			if opts.Token != "" {
				cfg.Cloud.Token = opts.Token
			}
			cfg.Producer.AutomaticShutdown = true

			client, err := cloud.New(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			in := client.Instrumenter()
			for i := 0; i < opts.Count; i++ {
				if err := cmd.Context().Err(); err != nil {
					return err
				}

				feature := opts.Features[i%len(opts.Features)]
				payload := instrument.Payload{
					instrument.KeyOperation:   instrument.OperationEvaluate,
					instrument.KeyFeatureName: feature,
				}
				if opts.Actors > 0 {
					payload[instrument.KeyThing] = actor("User;" + strconv.Itoa(rand.Intn(opts.Actors)))
				}

				in.Instrument(instrument.FeatureOperation, payload, func(p instrument.Payload) any {
					enabled := rand.Intn(2) == 0
					p[instrument.KeyResult] = enabled
					return enabled
				})

				if opts.Interval > 0 {
					time.Sleep(opts.Interval)
				}
			}

			stats := client.Producer().Stats()
			log := logger.WithComponent("send")
			log.Info().
				Uint64("produced", stats.Produced).
				Uint64("discarded", stats.Discarded).
				Msg("evaluations sent, flushing")
			client.Close()

			stats = client.Producer().Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "produced=%d discarded=%d delivered=%d failed=%d\n",
				stats.Produced, stats.Discarded, stats.Delivered, stats.Failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "collector base URL, overrides cloud.url")
	cmd.Flags().StringVar(&opts.Token, "token", "", "cloud token, overrides cloud.token")
	cmd.Flags().StringSliceVar(&opts.Features, "features", nil, "feature names to evaluate")
	cmd.Flags().IntVar(&opts.Actors, "actors", 0, "number of distinct actors, 0 for none")
	cmd.Flags().IntVar(&opts.Count, "count", 100, "number of evaluations")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "pause between evaluations")
	return cmd
}
