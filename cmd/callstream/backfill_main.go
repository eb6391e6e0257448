package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/callstream/internal/backfill"
	"github.com/sawpanic/callstream/internal/config"
	"github.com/sawpanic/callstream/internal/data/cache"
	"github.com/sawpanic/callstream/internal/linker"
)

const backfillLogPath = "logs/backfill.log"

// runBackfill re-parses raw rows without a normalized record. It works
// directly against the primary store; no stream credentials are needed.
func runBackfill(cmd *cobra.Command, args []string) error {
	sinceHours, _ := cmd.Flags().GetInt("since-hours")
	batch, _ := cmd.Flags().GetInt("batch")
	limit, _ := cmd.Flags().GetInt("limit")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog, err := backfillLogger(verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	resolver := linker.New(store, cache.NewAuto(cfg.RedisAddr), logger)
	job := backfill.New(store, resolver, logger)

	stats, err := job.Run(ctx, backfill.Options{
		Since:     time.Now().Add(-time.Duration(sinceHours) * time.Hour),
		BatchSize: batch,
		Limit:     limit,
		DryRun:    dryRun,
	})
	if err != nil {
		return fmt.Errorf("backfill run %s failed: %w", job.RunID(), err)
	}

	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if stats.Errors > 0 {
		return fmt.Errorf("backfill run %s finished with %d errors", job.RunID(), stats.Errors)
	}
	return nil
}

// backfillLogger tees the run's log to the fixed file next to the console
// output, so unattended runs leave a record.
func backfillLogger(verbose bool) (zerolog.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(backfillLogPath), 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(backfillLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to open backfill log: %w", err)
	}

	logger := log.Output(zerolog.MultiLevelWriter(os.Stderr, f))
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}
	return logger, func() { f.Close() }, nil
}
