package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/callstream/internal/metrics"
)

const (
	appName = "callstream"
	version = "v1.4.0"
)

func main() {
	setupLogging()
	metrics.Initialize()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Crypto call ingestion pipeline",
		Version: version,
		Long: `callstream captures crypto call messages from monitored channels,
normalizes them into linked discovery and update records, and fans the
records out to the configured sinks.

Run 'callstream monitor' to start the live pipeline. The 'backfill',
'verify', and 'status' commands operate on the captured data offline.`,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the live ingestion pipeline",
		Long: `Connects to the stream gateway, persists every raw message from the
channel roster, and emits normalized call records to the configured
sinks until interrupted.`,
		RunE: runMonitor,
	}
	monitorCmd.Flags().String("config", "", "Channel roster path (overrides CHANNELS_CONFIG)")
	monitorCmd.Flags().String("ops-addr", "", "Health/metrics listen address (overrides OPS_ADDR)")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-parse raw messages that never produced a call",
		Long: `Walks raw messages without a normalized record through the parser and
linker, inserting whatever now parses. Processed rows are marked so
later runs skip them.`,
		RunE: runBackfill,
	}
	backfillCmd.Flags().Int("since-hours", 24, "How far back to scan, in hours")
	backfillCmd.Flags().Int("batch", 500, "Rows fetched per batch")
	backfillCmd.Flags().Int("limit", 0, "Maximum rows to process (0 = no limit)")
	backfillCmd.Flags().Bool("dry-run", false, "Report what would be inserted without writing")
	backfillCmd.Flags().Bool("verbose", false, "Log every processed row")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Audit stored records for linking violations",
		Long: `Checks that every link points at a discovery, that no discovery is
itself linked, and that every call has its raw message. Exits non-zero
when violations are found.`,
		RunE: runVerify,
	}
	verifyCmd.Flags().Int("since-hours", 0, "Restrict the audit window, in hours (0 = all history)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print row counts for the primary store",
		RunE:  runStatus,
	}

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setupLogging picks console output on a terminal and structured JSON
// otherwise, then applies LOG_LEVEL.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := zerolog.ParseLevel(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL %q, using info\n", raw)
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
}
