package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/turbineoracle/internal/app"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/simulate"
)

func newSimulateCmd(opts *options) *cobra.Command {
	var (
		turbines int
		days     int
		seed     uint64
		outDir   string
		upload   bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate synthetic telemetry with injected faults",
		Long: `Generate one reading per minute for each turbine. Turbine 1 develops a
gearbox overheating ramp and turbine 2 a vibration spike; the rest stay
normal. Each turbine is written as a JSON array to <out>/turbine_<n>_data.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			generated, err := simulate.Generate(simulate.Config{
				Turbines: turbines,
				Points:   days * 24 * 60,
				End:      time.Now(),
				Seed:     seed,
			})
			if err != nil {
				return err
			}

			paths, err := simulate.WriteFiles(outDir, generated)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, t := range generated {
				fmt.Fprintf(out, "%s: %d readings -> %s", t.ID, len(t.Records), paths[i])
				if t.Anomaly != nil {
					fmt.Fprintf(out, " (label %d from %s for %d readings)",
						t.Anomaly.Label, t.Records[t.Anomaly.Start].Timestamp, t.Anomaly.Length)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "seed: %d\n", seed)

			if upload {
				return uploadFiles(cmd.Context(), opts, paths)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&turbines, "turbines", 3, "Number of turbines")
	cmd.Flags().IntVar(&days, "days", 30, "Days of history per turbine")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (0 picks one from the clock)")
	cmd.Flags().StringVar(&outDir, "out", "simulated_data", "Output directory")
	cmd.Flags().BoolVar(&upload, "upload", false, "Also upload the files to the raw bucket")
	return cmd
}

func uploadFiles(ctx context.Context, opts *options, paths []string) error {
	store, err := app.NewObjectStore(ctx, opts.cfg.Storage)
	if err != nil {
		return err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		key := filepath.Base(p)
		if err := store.Put(ctx, opts.cfg.Storage.RawBucket, key, data, "application/json"); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		logger.Info("Uploaded %s to %s/%s", p, opts.cfg.Storage.RawBucket, key)
	}
	return nil
}
