package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/turbineoracle/internal/app"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/telemetry"
)

type relayResult struct {
	Message          string `json:"message"`
	SourceFile       string `json:"source_file"`
	RecordsRead      int    `json:"records_read"`
	RecordsSentCount int    `json:"records_sent_count"`
}

func newRelayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "relay <file>",
		Short: "Send readings from a file to the delivery stream",
		Long: `Read a JSON array or JSON-lines file (optionally gzip compressed), stamp
each record with its ingestion time and send it to the configured delivery
stream in batches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			records, issues, err := telemetry.DecodeRecords(data, path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			for _, is := range issues {
				logger.Warn("Skipping record %d of %s: %s", is.Record, path, is.Reason)
			}

			r, closeSink, err := app.NewRelay(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeSink(); err != nil {
					logger.Warn("Failed to close stream: %v", err)
				}
			}()

			sent, err := r.Forward(cmd.Context(), records)
			res := relayResult{
				Message:          fmt.Sprintf("Processed %s and sent %d of %d records to %s", path, sent, len(records), opts.cfg.Stream.Name),
				SourceFile:       path,
				RecordsRead:      len(records),
				RecordsSentCount: sent,
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}
