package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/turbineoracle/internal/normalize"
	"github.com/rewired-gh/turbineoracle/internal/predictclient"
	"github.com/rewired-gh/turbineoracle/internal/telemetry"
)

type clientFlags struct {
	url     string
	timeout time.Duration
	retries int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "http://localhost:8080", "turbineoracle API base URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	cmd.Flags().IntVar(&f.retries, "retries", 3, "Attempts for transient failures")
}

func (f *clientFlags) client() *predictclient.Client {
	return predictclient.NewClient(f.url, f.timeout).WithRetry(f.retries, time.Second)
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newPredictCmd(_ *options) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "predict <features.json|->",
		Short: "Score a feature object with the prediction API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			input, err := normalize.ParseInput(data)
			if err != nil {
				return err
			}
			delete(input, telemetry.FieldEntity)

			res, err := flags.client().Predict(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	flags.register(cmd)
	return cmd
}

func newIngestCmd(_ *options) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Send readings through the API ingest endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			records, issues, err := telemetry.DecodeRecords(data, args[0])
			if err != nil {
				return err
			}
			if len(issues) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d undecodable records\n", len(issues))
			}

			res, err := flags.client().Ingest(cmd.Context(), records)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	flags.register(cmd)
	return cmd
}
