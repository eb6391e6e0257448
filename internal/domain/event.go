package domain

import "time"

// Event is one inbound channel message as delivered by the stream source.
// ChatID is the signed network identifier (channels are negative); ChatTitle
// is the display name used as channel_name downstream.
type Event struct {
	MessageID        int64     `json:"message_id"`
	ChatID           int64     `json:"chat_id"`
	ChatTitle        string    `json:"chat_title"`
	Text             string    `json:"text"`
	Date             time.Time `json:"date"`
	ReplyToMessageID *int64    `json:"reply_to_msg_id,omitempty"`
}

// RawMessage converts the event into the record persisted by the raw layer.
func (e Event) RawMessage() RawMessage {
	return RawMessage{
		MessageID:        e.MessageID,
		ChannelID:        e.ChatID,
		ChannelName:      e.ChatTitle,
		MessageText:      e.Text,
		MessageDate:      e.Date,
		ReplyToMessageID: e.ReplyToMessageID,
	}
}
