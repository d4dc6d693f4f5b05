package main

import (
	"github.com/spf13/cobra"

	"github.com/rewired-gh/turbineoracle/internal/app"
	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/pipeline"
)

func newProcessCmd(opts *options) *cobra.Command {
	var bucket, key string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Extract window features from one raw object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg
			if bucket == "" {
				bucket = cfg.Storage.RawBucket
			}

			store, err := app.NewObjectStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}

			var procOpts []pipeline.Option
			if cfg.Tracker.Enabled {
				t, client, err := app.NewTracker(ctx, cfg.Tracker)
				if err != nil {
					return err
				}
				defer client.Close()
				procOpts = append(procOpts, pipeline.WithTracker(t))
			}

			proc, err := app.NewProcessor(store, cfg, procOpts...)
			if err != nil {
				return err
			}

			report, err := proc.ProcessObject(ctx, models.ObjectRef{Bucket: bucket, Key: key})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Raw bucket (defaults to storage.raw_bucket)")
	cmd.Flags().StringVar(&key, "key", "", "Raw object key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
