package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/metrics"
)

// MultiStore fans each normalized record out to an ordered set of sinks.
// The primary is written first and is the only sink that receives raw
// messages; secondaries are best-effort mirrors. A write succeeds when at
// least one sink accepted it.
type MultiStore struct {
	primary     PrimarySink
	secondaries []Sink
	health      []*sinkHealth
	log         zerolog.Logger
}

// NewMultiStore wires the primary and any secondaries, in dispatch order.
func NewMultiStore(primary PrimarySink, secondaries []Sink, logger zerolog.Logger) *MultiStore {
	m := &MultiStore{
		primary:     primary,
		secondaries: secondaries,
		log:         logger.With().Str("component", "multistore").Logger(),
	}
	m.health = append(m.health, newSinkHealth(primary.Name()))
	for _, s := range secondaries {
		m.health = append(m.health, newSinkHealth(s.Name()))
	}
	return m
}

// Append dispatches one record to every sink in order, primary first. Each
// failure is recorded against the sink and dispatch continues; only when
// every sink failed does the aggregate error propagate for retry.
func (m *MultiStore) Append(ctx context.Context, call domain.CryptoCall) error {
	var errs []error
	wrote := false

	for i, sink := range m.sinks() {
		err := sink.AppendRow(ctx, call)
		metrics.SinkWrite(sink.Name(), err == nil)
		if err != nil {
			m.health[i].failure(err)
			m.log.Error().Err(err).
				Str("sink", sink.Name()).
				Int64("message_id", call.MessageID).
				Str("channel", call.ChannelName).
				Msg("sink write failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		m.health[i].success()
		wrote = true
	}

	if !wrote {
		return fmt.Errorf("all sinks rejected the write: %w", errors.Join(errs...))
	}
	return nil
}

// AppendRaw routes a raw message to the primary only; mirrors hold
// normalized projections, never raw text.
func (m *MultiStore) AppendRaw(ctx context.Context, raw domain.RawMessage) error {
	err := m.primary.UpsertRaw(ctx, raw)
	if err != nil {
		m.health[0].failure(err)
		return fmt.Errorf("%s: %w", m.primary.Name(), err)
	}
	m.health[0].success()
	return nil
}

// MarkRaw records a parse outcome on the raw row. Failures here are
// observability losses, not pipeline errors; the caller just logs them.
func (m *MultiStore) MarkRaw(ctx context.Context, channelID, messageID int64, result string) error {
	return m.primary.MarkRawClassified(ctx, channelID, messageID, result)
}

// Primary exposes the durable store for the lookups the linker runs.
func (m *MultiStore) Primary() PrimarySink { return m.primary }

// Status reports per-sink health snapshots in dispatch order.
func (m *MultiStore) Status() []SinkStatus {
	statuses := make([]SinkStatus, 0, len(m.health))
	for _, h := range m.health {
		s := h.snapshot()
		statuses = append(statuses, s)
		metrics.SetSinkHealthy(s.Name, s.Healthy)
	}
	return statuses
}

// Close shuts every sink down, collecting errors; cleanup always reaches
// every sink regardless of individual failures.
func (m *MultiStore) Close() error {
	var errs []error
	for _, sink := range m.sinks() {
		if err := sink.Close(); err != nil {
			m.log.Error().Err(err).Str("sink", sink.Name()).Msg("sink close failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) sinks() []Sink {
	sinks := make([]Sink, 0, 1+len(m.secondaries))
	sinks = append(sinks, m.primary)
	sinks = append(sinks, m.secondaries...)
	return sinks
}
