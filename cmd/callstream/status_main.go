package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/callstream/internal/config"
)

// runStatus prints a one-shot snapshot. When a running monitor exposes
// the ops endpoint, its live health is relayed; otherwise the row counts
// come straight from the primary store.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.OpsAddr != "" {
		if body, err := fetchOpsHealth(cfg.OpsAddr); err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		}
		// The monitor is not running; fall through to the store.
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func fetchOpsHealth(addr string) ([]byte, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
