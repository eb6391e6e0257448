// Package ingest drives the per-message pipeline: raw capture,
// classification, parsing, discovery linking, and sink fan-out.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/config"
	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/enrich"
	"github.com/sawpanic/callstream/internal/linker"
	"github.com/sawpanic/callstream/internal/metrics"
	"github.com/sawpanic/callstream/internal/net/backoff"
	"github.com/sawpanic/callstream/internal/parse"
)

// Store is the slice of the fan-out coordinator the handler writes through.
type Store interface {
	Append(ctx context.Context, call domain.CryptoCall) error
	AppendRaw(ctx context.Context, raw domain.RawMessage) error
	MarkRaw(ctx context.Context, channelID, messageID int64, result string) error
}

// Resolver links a call to its parent discovery and inherits fields.
type Resolver interface {
	Link(ctx context.Context, call *domain.CryptoCall, replyTo *int64) (linker.Method, error)
}

// Pacer spaces normalized writes per channel.
type Pacer interface {
	Wait(ctx context.Context, channelID int64) error
}

// Outcomes recorded on the raw row when no normalized record is emitted.
const (
	resultNotCall  = "not_crypto_call"
	resultUnparsed = "unparsed"
)

// Handler runs one event at a time through the pipeline. Admission is
// decided by the channel roster; the raw text is always persisted before
// any interpretation.
type Handler struct {
	store    Store
	resolver Resolver
	pacer    Pacer
	enricher enrich.Enricher
	retry    backoff.Policy
	channels map[int64]config.Channel
	runID    string
	log      zerolog.Logger

	mu    sync.Mutex
	stats map[int64]*channelStats
}

type channelStats struct {
	name     string
	seen     uint64
	parsed   uint64
	linked   uint64
	failures uint64
	lastAt   time.Time
}

// ChannelStats is a read-only per-channel snapshot for ops and the
// periodic status log.
type ChannelStats struct {
	Channel     string    `json:"channel"`
	Seen        uint64    `json:"seen"`
	Parsed      uint64    `json:"parsed"`
	Linked      uint64    `json:"linked"`
	Failures    uint64    `json:"failures"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// NewHandler wires the pipeline for the given roster. Each handler carries
// a run id that tags every log line it emits.
func NewHandler(store Store, resolver Resolver, pacer Pacer, channels []config.Channel, logger zerolog.Logger) *Handler {
	h := &Handler{
		store:    store,
		resolver: resolver,
		pacer:    pacer,
		enricher: enrich.NoopEnricher{},
		retry:    backoff.Default(),
		channels: make(map[int64]config.Channel, len(channels)),
		runID:    uuid.New().String()[:8],
		stats:    make(map[int64]*channelStats),
	}
	for _, ch := range channels {
		h.channels[ch.ID] = ch
	}
	h.log = logger.With().Str("component", "ingest").Str("run_id", h.runID).Logger()
	return h
}

// RunID identifies this handler instance in logs and status output.
func (h *Handler) RunID() string { return h.runID }

// SetEnricher replaces the default no-op market enricher.
func (h *Handler) SetEnricher(e enrich.Enricher) { h.enricher = e }

// Handle processes one inbound event. Events from unconfigured or inactive
// channels are dropped. Classification through fan-out retries as a unit;
// when the retries are exhausted the event is abandoned and only the raw
// row remains, for backfill to pick up later.
func (h *Handler) Handle(ctx context.Context, ev domain.Event) error {
	channel, ok := h.channels[ev.ChatID]
	if !ok || !channel.Active {
		h.log.Debug().Int64("chat_id", ev.ChatID).Msg("ignoring message from inactive channel")
		return nil
	}

	name := ev.ChatTitle
	if name == "" {
		name = channel.Name
	}

	h.recordSeen(ev.ChatID, name, ev.Date)
	metrics.MessageReceived(name)
	timer := metrics.Timer(name)

	raw := ev.RawMessage()
	raw.ChannelName = name
	if err := h.store.AppendRaw(ctx, raw); err != nil {
		// The normalized path may still succeed; keep going.
		h.log.Error().Err(err).
			Int64("message_id", ev.MessageID).
			Str("channel", name).
			Msg("failed to store raw message")
	}

	err := h.retry.Retry(ctx, "handle_message", func(ctx context.Context) error {
		return h.process(ctx, ev, name)
	})
	if err != nil {
		h.recordFailure(ev.ChatID)
		timer.Stop("error")
		h.log.Error().Err(err).
			Int64("message_id", ev.MessageID).
			Str("channel", name).
			Msg("abandoning message; raw row remains for backfill")
		return err
	}

	timer.Stop("success")
	return nil
}

func (h *Handler) process(ctx context.Context, ev domain.Event, name string) error {
	if !parse.IsCryptoCall(ev.Text) {
		h.markRaw(ctx, ev, resultNotCall)
		return nil
	}

	parsed, ok := parse.Message(ev.Text)
	if !ok {
		h.markRaw(ctx, ev, resultUnparsed)
		return nil
	}

	call := domain.CryptoCall{
		TokenName:       parsed.TokenName,
		EntryCap:        parsed.EntryCap,
		PeakCap:         parsed.PeakCap,
		XGain:           parsed.XGain,
		VipX:            parsed.VipX,
		MessageType:     parsed.MessageType,
		ContractAddress: parsed.ContractAddress,
		TimeToPeak:      parsed.TimeToPeak,
		MessageID:       ev.MessageID,
		ChannelName:     name,
		Timestamp:       ev.Date,
	}

	method, err := h.resolver.Link(ctx, &call, ev.ReplyToMessageID)
	if err != nil {
		return fmt.Errorf("failed to link call: %w", err)
	}

	// Enrichment is best effort; a call with empty market fields is still
	// worth storing.
	if err := h.enricher.Enrich(ctx, &call); err != nil {
		h.log.Warn().Err(err).
			Int64("message_id", ev.MessageID).
			Msg("market enrichment failed")
	}

	if err := h.pacer.Wait(ctx, ev.ChatID); err != nil {
		return err
	}

	if err := h.store.Append(ctx, call); err != nil {
		return fmt.Errorf("failed to store call: %w", err)
	}

	h.markRaw(ctx, ev, string(parsed.MessageType))

	metrics.MessageParsed(string(parsed.MessageType))
	h.recordParsed(ev.ChatID)
	if method != linker.MethodNone {
		metrics.CallLinked(string(method))
		h.recordLinked(ev.ChatID)
	}

	h.log.Info().
		Str("channel", name).
		Int64("message_id", ev.MessageID).
		Str("type", string(parsed.MessageType)).
		Str("link", string(method)).
		Msg("stored crypto call")
	return nil
}

// markRaw records the outcome on the raw row. Losing the mark costs only
// observability, so failures are logged and dropped.
func (h *Handler) markRaw(ctx context.Context, ev domain.Event, result string) {
	if err := h.store.MarkRaw(ctx, ev.ChatID, ev.MessageID, result); err != nil {
		h.log.Warn().Err(err).
			Int64("message_id", ev.MessageID).
			Str("result", result).
			Msg("failed to mark raw message")
	}
}

func (h *Handler) channelStat(chatID int64, name string) *channelStats {
	st, ok := h.stats[chatID]
	if !ok {
		st = &channelStats{name: name}
		h.stats[chatID] = st
	}
	if name != "" {
		st.name = name
	}
	return st
}

func (h *Handler) recordSeen(chatID int64, name string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.channelStat(chatID, name)
	st.seen++
	st.lastAt = at
}

func (h *Handler) recordParsed(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelStat(chatID, "").parsed++
}

func (h *Handler) recordLinked(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelStat(chatID, "").linked++
}

func (h *Handler) recordFailure(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelStat(chatID, "").failures++
}

// Stats snapshots the per-channel counters, ordered by channel name.
func (h *Handler) Stats() []ChannelStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ChannelStats, 0, len(h.stats))
	for _, st := range h.stats {
		out = append(out, ChannelStats{
			Channel:     st.name,
			Seen:        st.seen,
			Parsed:      st.parsed,
			Linked:      st.linked,
			Failures:    st.failures,
			LastEventAt: st.lastAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
