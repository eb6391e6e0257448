package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/callstream/internal/config"
	"github.com/sawpanic/callstream/internal/data/cache"
	"github.com/sawpanic/callstream/internal/ingest"
	"github.com/sawpanic/callstream/internal/linker"
	"github.com/sawpanic/callstream/internal/net/ratelimit"
	"github.com/sawpanic/callstream/internal/ops"
	"github.com/sawpanic/callstream/internal/persistence"
	"github.com/sawpanic/callstream/internal/persistence/excel"
	"github.com/sawpanic/callstream/internal/persistence/sheet"
	"github.com/sawpanic/callstream/internal/persistence/sqlstore"
	"github.com/sawpanic/callstream/internal/stream"
)

const statusLogInterval = 5 * time.Minute

// runMonitor wires the full pipeline and runs it until a signal arrives:
// gateway, supervisor, handler, linker, sink fan-out.
func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg.ChannelsPath = path
	}
	if addr, _ := cmd.Flags().GetString("ops-addr"); addr != "" {
		cfg.OpsAddr = addr
	}
	if err := cfg.RequireStreamCredentials(); err != nil {
		return err
	}
	sessionBlob, err := cfg.SessionBlob()
	if err != nil {
		return err
	}

	roster, err := config.LoadChannels(cfg.ChannelsPath)
	if err != nil {
		return err
	}
	active := roster.ActiveChannels()
	if len(active) == 0 {
		return fmt.Errorf("no active channels in %s", cfg.ChannelsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	secondaries, err := buildSecondaries(ctx, cfg)
	if err != nil {
		store.Close()
		return err
	}

	multi := persistence.NewMultiStore(store, secondaries, log.Logger)
	defer multi.Close()

	resolver := linker.New(store, cache.NewAuto(cfg.RedisAddr), log.Logger)

	limiter := ratelimit.NewLimiter()
	channelIDs := make([]int64, 0, len(active))
	for _, ch := range active {
		limiter.SetRate(ch.ID, ch.RateLimit)
		channelIDs = append(channelIDs, ch.ID)
	}

	handler := ingest.NewHandler(multi, resolver, limiter, active, log.Logger)

	client := stream.NewClient(stream.ClientConfig{
		URL:         cfg.GatewayURL,
		APIID:       cfg.APIID,
		APIHash:     cfg.APIHash,
		Session:     cfg.SessionName,
		SessionBlob: sessionBlob,
		ChannelIDs:  channelIDs,
	}, log.Logger)
	sup := stream.NewSupervisor(client, handler, stream.DefaultSupervisorConfig(), log.Logger)

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.NewServer(ops.DefaultConfig(cfg.OpsAddr), ops.Sources{
			RunID:      handler.RunID(),
			SinkHealth: multi.Status,
			Channels:   handler.Stats,
			Supervisor: sup.Status,
		}, log.Logger)
		go func() {
			if err := opsSrv.Start(); err != nil {
				log.Error().Err(err).Msg("ops endpoint failed")
			}
		}()
	}

	go logChannelStats(ctx, handler)

	log.Info().
		Str("run_id", handler.RunID()).
		Int("channels", len(active)).
		Str("gateway", cfg.GatewayURL).
		Msg("monitor starting")

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
		cancel()
		runErr = <-supErr // Run drains the buffer before returning
	case runErr = <-supErr:
		cancel()
	}

	if opsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ops shutdown failed")
		}
	}

	logStats(handler)
	log.Info().Msg("monitor stopped")
	return runErr
}

// openStore opens the primary store: Postgres when DATABASE_URL is set,
// the SQLite file otherwise.
func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Config{DSN: cfg.DatabaseURL, Path: cfg.DBPath})
}

// buildSecondaries assembles the optional mirrors in dispatch order.
func buildSecondaries(ctx context.Context, cfg *config.Config) ([]persistence.Sink, error) {
	var sinks []persistence.Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	if cfg.EnableExcel {
		xl, err := excel.New(cfg.ExcelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open excel mirror: %w", err)
		}
		sinks = append(sinks, xl)
	}

	if cfg.EnableSheets {
		if cfg.SheetID == "" {
			closeAll()
			return nil, fmt.Errorf("SHEET_ID is required when ENABLE_SHEETS is set")
		}
		sh, err := sheet.New(ctx, cfg.SheetID, cfg.GoogleCredentialsPath)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open sheets mirror: %w", err)
		}
		sinks = append(sinks, sh)
	}

	return sinks, nil
}

// logChannelStats emits the per-channel counters on a fixed cadence.
func logChannelStats(ctx context.Context, handler *ingest.Handler) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(handler)
		}
	}
}

func logStats(handler *ingest.Handler) {
	for _, st := range handler.Stats() {
		log.Info().
			Str("channel", st.Channel).
			Uint64("seen", st.Seen).
			Uint64("parsed", st.Parsed).
			Uint64("linked", st.Linked).
			Uint64("failures", st.Failures).
			Time("last_event_at", st.LastEventAt).
			Msg("channel stats")
	}
}
