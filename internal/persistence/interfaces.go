// Package persistence defines the sink contracts of the fan-out layer and
// the coordinator that dispatches normalized records across them.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/callstream/internal/domain"
)

// Sink receives normalized call records. Secondary sinks implement exactly
// this; they hold projections only and never serve lookups.
type Sink interface {
	// Name identifies the sink in health reports and logs.
	Name() string

	// AppendRow writes one normalized record.
	AppendRow(ctx context.Context, call domain.CryptoCall) error

	// Close releases the sink's resources.
	Close() error
}

// PrimarySink is the durable store: it additionally captures raw messages
// before any interpretation and serves the lookups the linker needs.
type PrimarySink interface {
	Sink

	// UpsertRaw records a raw message idempotently by
	// (channel_id, message_id). The first write wins; replays are no-ops.
	UpsertRaw(ctx context.Context, raw domain.RawMessage) error

	// MarkRawClassified records a parse outcome on the raw row.
	MarkRawClassified(ctx context.Context, channelID, messageID int64, result string) error

	// FindCallByMessageID resolves a source message id within a channel to
	// the id of its normalized record, if one exists.
	FindCallByMessageID(ctx context.Context, channelName string, messageID int64) (int64, bool, error)

	// GetCallByID fetches a normalized record by surrogate id.
	GetCallByID(ctx context.Context, id int64) (*domain.CryptoCall, bool, error)
}

// SinkStatus is a point-in-time health snapshot for one sink.
type SinkStatus struct {
	Name                string    `json:"name"`
	Active              bool      `json:"active"`
	Healthy             bool      `json:"healthy"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
}

// RowProjection is the stable column order shared by every tabular mirror.
// Both secondary sinks write their header row in exactly this order.
var RowProjection = []string{
	"token_name",
	"entry_cap",
	"peak_cap",
	"x_gain",
	"vip_x",
	"message_type",
	"contract_address",
	"time_to_peak",
	"linked_crypto_call_id",
	"timestamp",
	"message_id",
	"channel_name",
}

// ProjectRow flattens a call into RowProjection order. Nil fields become
// empty cells; the timestamp is rendered RFC 3339 so mirrors stay sortable.
func ProjectRow(call domain.CryptoCall) []interface{} {
	return []interface{}{
		strOrEmpty(call.TokenName),
		floatOrNil(call.EntryCap),
		floatOrNil(call.PeakCap),
		floatOrNil(call.XGain),
		floatOrNil(call.VipX),
		string(call.MessageType),
		strOrEmpty(call.ContractAddress),
		strOrEmpty(call.TimeToPeak),
		intOrNil(call.LinkedCryptoCallID),
		call.Timestamp.UTC().Format(time.RFC3339),
		call.MessageID,
		call.ChannelName,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatOrNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func intOrNil(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
