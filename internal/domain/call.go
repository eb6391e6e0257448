package domain

import "time"

// MessageType classifies a normalized call record.
type MessageType string

const (
	TypeDiscovery MessageType = "discovery"
	TypeUpdate    MessageType = "update"
	TypeBonding   MessageType = "bonding"
	TypeOther     MessageType = "other"
)

// RawMessage is a channel event captured verbatim, before any interpretation.
// Identity is (channel_id, message_id); the row is written exactly once and
// never deleted, though backfill may update the classification fields.
type RawMessage struct {
	ID                   int64     `json:"id" db:"id"`
	MessageID            int64     `json:"message_id" db:"message_id"`
	ChannelID            int64     `json:"channel_id" db:"channel_id"`
	ChannelName          string    `json:"channel_name" db:"channel_name"`
	MessageText          string    `json:"message_text" db:"message_text"`
	MessageDate          time.Time `json:"message_date" db:"message_date"`
	ReplyToMessageID     *int64    `json:"reply_to_message_id,omitempty" db:"reply_to_message_id"`
	IsClassified         bool      `json:"is_classified" db:"is_classified"`
	ClassificationResult *string   `json:"classification_result,omitempty" db:"classification_result"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// CryptoCall is the normalized analytic record. Updates point back to the
// discovery that announced their token via LinkedCryptoCallID; discoveries
// carry a nil link and an XGain of 1.0 (the baseline multiple).
type CryptoCall struct {
	ID                 int64       `json:"id" db:"id"`
	TokenName          *string     `json:"token_name,omitempty" db:"token_name"`
	EntryCap           *float64    `json:"entry_cap,omitempty" db:"entry_cap"`
	PeakCap            *float64    `json:"peak_cap,omitempty" db:"peak_cap"`
	XGain              *float64    `json:"x_gain,omitempty" db:"x_gain"`
	VipX               *float64    `json:"vip_x,omitempty" db:"vip_x"`
	MessageType        MessageType `json:"message_type" db:"message_type"`
	ContractAddress    *string     `json:"contract_address,omitempty" db:"contract_address"`
	TimeToPeak         *string     `json:"time_to_peak,omitempty" db:"time_to_peak"`
	MessageID          int64       `json:"message_id" db:"message_id"`
	ChannelName        string      `json:"channel_name" db:"channel_name"`
	Timestamp          time.Time   `json:"timestamp" db:"timestamp"`
	LinkedCryptoCallID *int64      `json:"linked_crypto_call_id,omitempty" db:"linked_crypto_call_id"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// ParsedCall holds the fields extracted from one message text. It is not
// persisted; the ingest handler merges it with the raw event to build a
// CryptoCall.
type ParsedCall struct {
	TokenName       *string     `json:"token_name,omitempty"`
	EntryCap        *float64    `json:"entry_cap,omitempty"`
	PeakCap         *float64    `json:"peak_cap,omitempty"`
	XGain           *float64    `json:"x_gain,omitempty"`
	VipX            *float64    `json:"vip_x,omitempty"`
	MessageType     MessageType `json:"message_type"`
	ContractAddress *string     `json:"contract_address,omitempty"`
	TimeToPeak      *string     `json:"time_to_peak,omitempty"`
}

// String returns a pointer to s, for optional fields.
func String(s string) *string { return &s }

// Float64 returns a pointer to f, for optional fields.
func Float64(f float64) *float64 { return &f }

// Int64 returns a pointer to i, for optional fields.
func Int64(i int64) *int64 { return &i }
