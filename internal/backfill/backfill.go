// Package backfill re-parses raw rows that never produced a normalized
// record: messages abandoned after retry exhaustion, rows captured while
// sinks were down, and history collected before the pipeline ran.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/linker"
	"github.com/sawpanic/callstream/internal/parse"
)

const (
	defaultBatchSize = 500

	resultBackfilled = "backfilled"
)

// Store is the slice of the primary store the job drives.
type Store interface {
	ListUnparsedRaw(ctx context.Context, since time.Time, limit, offset int) ([]domain.RawMessage, error)
	InsertCall(ctx context.Context, call *domain.CryptoCall) (int64, error)
	MarkRawClassified(ctx context.Context, channelID, messageID int64, result string) error
}

// Resolver links a parsed call to its discovery, inheriting fields.
type Resolver interface {
	Link(ctx context.Context, call *domain.CryptoCall, replyTo *int64) (linker.Method, error)
}

// Options bound one run. Zero BatchSize takes the default; zero Limit
// means no cap. DryRun parses and links but writes nothing.
type Options struct {
	Since     time.Time
	BatchSize int
	Limit     int
	DryRun    bool
}

// Stats is the run report.
type Stats struct {
	Scanned           int `json:"scanned"`
	Parsed            int `json:"parsed"`
	LinkedByReply     int `json:"linked_by_reply"`
	LinkedByHeuristic int `json:"linked_by_heuristic"`
	Inserted          int `json:"inserted"`
	Skipped           int `json:"skipped"`
	Errors            int `json:"errors"`
}

// Job walks unparsed raw rows in batches, newest first, and runs each
// through the same classify/parse/link steps as the live pipeline.
type Job struct {
	store    Store
	resolver Resolver
	runID    string
	log      zerolog.Logger
}

// New builds a job. Every log line carries the run id.
func New(store Store, resolver Resolver, logger zerolog.Logger) *Job {
	j := &Job{
		store:    store,
		resolver: resolver,
		runID:    uuid.New().String()[:8],
	}
	j.log = logger.With().Str("component", "backfill").Str("run_id", j.runID).Logger()
	return j
}

// RunID identifies this run in logs and reports.
func (j *Job) RunID() string { return j.runID }

// Run processes batches until the scan is exhausted, the limit is hit, or
// the context ends. Inserted and marked rows drop out of the scan set;
// the offset steps past only the rows that remain (failed rows, and every
// row under dry-run) so no row is visited twice.
func (j *Job) Run(ctx context.Context, opts Options) (Stats, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var stats Stats
	j.log.Info().
		Time("since", opts.Since).
		Int("batch", batch).
		Int("limit", opts.Limit).
		Bool("dry_run", opts.DryRun).
		Msg("backfill started")

	offset := 0
	for {
		size := batch
		if opts.Limit > 0 {
			remaining := opts.Limit - stats.Scanned
			if remaining <= 0 {
				break
			}
			if remaining < size {
				size = remaining
			}
		}

		rows, err := j.store.ListUnparsedRaw(ctx, opts.Since, size, offset)
		if err != nil {
			return stats, fmt.Errorf("failed to list unparsed raw messages: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, raw := range rows {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if !j.processRow(ctx, raw, opts.DryRun, &stats) {
				offset++
			}
		}

		if len(rows) < size {
			break
		}
	}

	j.log.Info().
		Int("scanned", stats.Scanned).
		Int("parsed", stats.Parsed).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Msg("backfill finished")
	return stats, nil
}

// processRow runs one raw row through the pipeline. The return value says
// whether the row left the scan set: inserted rows leave through the call
// join, marked rows through the settled-mark filter. Rows that error out
// stay unmarked for the next run.
func (j *Job) processRow(ctx context.Context, raw domain.RawMessage, dryRun bool, stats *Stats) bool {
	stats.Scanned++

	if !parse.IsCryptoCall(raw.MessageText) {
		stats.Skipped++
		return j.mark(ctx, raw, dryRun)
	}

	parsed, ok := parse.Message(raw.MessageText)
	if !ok {
		stats.Skipped++
		return j.mark(ctx, raw, dryRun)
	}
	stats.Parsed++

	call := domain.CryptoCall{
		TokenName:       parsed.TokenName,
		EntryCap:        parsed.EntryCap,
		PeakCap:         parsed.PeakCap,
		XGain:           parsed.XGain,
		VipX:            parsed.VipX,
		MessageType:     parsed.MessageType,
		ContractAddress: parsed.ContractAddress,
		TimeToPeak:      parsed.TimeToPeak,
		MessageID:       raw.MessageID,
		ChannelName:     raw.ChannelName,
		Timestamp:       raw.MessageDate,
	}

	method, err := j.resolver.Link(ctx, &call, raw.ReplyToMessageID)
	if err != nil {
		stats.Errors++
		j.log.Error().Err(err).
			Int64("message_id", raw.MessageID).
			Str("channel", raw.ChannelName).
			Msg("failed to link backfilled call")
		return false
	}
	switch method {
	case linker.MethodReply:
		stats.LinkedByReply++
	case linker.MethodContract, linker.MethodToken:
		stats.LinkedByHeuristic++
	}

	if dryRun {
		j.log.Info().
			Int64("message_id", raw.MessageID).
			Str("type", string(parsed.MessageType)).
			Str("link", string(method)).
			Msg("dry run: would insert")
		return false
	}

	if _, err := j.store.InsertCall(ctx, &call); err != nil {
		stats.Errors++
		j.log.Error().Err(err).
			Int64("message_id", raw.MessageID).
			Str("channel", raw.ChannelName).
			Msg("failed to insert backfilled call")
		return false
	}
	stats.Inserted++
	j.mark(ctx, raw, false)

	j.log.Debug().
		Int64("message_id", raw.MessageID).
		Str("type", string(parsed.MessageType)).
		Str("link", string(method)).
		Msg("backfilled call")
	return true
}

// mark settles the raw row. A row whose mark fails is still in the scan
// set, so the caller has to offset past it.
func (j *Job) mark(ctx context.Context, raw domain.RawMessage, dryRun bool) bool {
	if dryRun {
		return false
	}
	if err := j.store.MarkRawClassified(ctx, raw.ChannelID, raw.MessageID, resultBackfilled); err != nil {
		j.log.Warn().Err(err).
			Int64("message_id", raw.MessageID).
			Msg("failed to mark raw message")
		return false
	}
	return true
}
