package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/callstream/internal/config"
	"github.com/sawpanic/callstream/internal/verify"
)

// runVerify audits the stored call graph and exits non-zero when any
// invariant is violated.
func runVerify(cmd *cobra.Command, args []string) error {
	sinceHours, _ := cmd.Flags().GetInt("since-hours")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Zero since-hours audits all history; the zero time predates every row.
	var since time.Time
	if sinceHours > 0 {
		since = time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	}

	report, err := verify.New(store, log.Logger).Run(ctx, since)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !report.Clean() {
		return fmt.Errorf("audit found %d violations", report.Violations())
	}
	return nil
}
