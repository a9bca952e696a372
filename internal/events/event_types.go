package events

import (
	"time"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// EventType enumerates chat-transport event identifiers.
type EventType string

const (
	EventMessageInbound   EventType = "MESSAGE_INBOUND"
	EventMessageOutbound  EventType = "MESSAGE_OUTBOUND"
	EventMessageAck       EventType = "MESSAGE_ACK"
	EventConnectionUpdate EventType = "CONNECTION_UPDATE"
)

// IsMessage reports whether the event carries a conversational message.
func (t EventType) IsMessage() bool {
	return t == EventMessageInbound || t == EventMessageOutbound
}

// ChatEvent is one event delivered by the chat transport.
type ChatEvent struct {
	ID         string           `json:"id,omitempty"`
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Direction  domain.Direction `json:"direction,omitempty"`
	ReceivedAt time.Time        `json:"-"`
	Payload    MessagePayload   `json:"payload"`
}

// MessagePayload groups the contact and message blocks.
type MessagePayload struct {
	Contact Contact `json:"contact"`
	Message Message `json:"message"`
}

// Contact describes the remote party as reported by the transport.
type Contact struct {
	RemoteID string `json:"remote_id"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
	IsGroup  bool   `json:"is_group"`
}

// Message is the raw message block. Media and Interactive are optional and
// mutually exclusive in practice; the bridge decides the shape once.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Type        string       `json:"type,omitempty"`
	Text        string       `json:"text,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
	FromMe      bool         `json:"from_me,omitempty"`
	SenderID    string       `json:"sender_id,omitempty"`
	SenderName  string       `json:"sender_name,omitempty"`
	Media       *Media       `json:"media,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

// Media is an attachment descriptor.
type Media struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Interactive covers buttons, lists and their replies.
type Interactive struct {
	Kind          string   `json:"kind,omitempty"`
	Body          string   `json:"body,omitempty"`
	Options       []string `json:"options,omitempty"`
	SelectedID    string   `json:"selected_id,omitempty"`
	SelectedTitle string   `json:"selected_title,omitempty"`
}

// ConversationKey derives the conversation identity. Instance ids scope chats
// to one transport account.
func (e ChatEvent) ConversationKey() domain.ConversationKey {
	chatID := e.Payload.Message.ChatID
	if chatID == "" {
		chatID = e.Payload.Contact.RemoteID
	}
	return domain.ConversationKey{ProviderChannelID: e.InstanceID, ConversationID: chatID}
}

// MessageDirection resolves the direction from the type, then explicit fields.
func (e ChatEvent) MessageDirection() domain.Direction {
	switch e.Type {
	case EventMessageInbound:
		return domain.DirectionInbound
	case EventMessageOutbound:
		return domain.DirectionOutbound
	}
	if e.Direction != "" {
		return e.Direction
	}
	if e.Payload.Message.FromMe {
		return domain.DirectionOutbound
	}
	return domain.DirectionInbound
}

// TimestampMs normalizes the transport timestamp to epoch millis. Second
// resolution values are scaled; a missing value falls back to receipt time.
func (e ChatEvent) TimestampMs() int64 {
	ts := e.Payload.Message.Timestamp
	switch {
	case ts <= 0:
		if e.ReceivedAt.IsZero() {
			return time.Now().UnixMilli()
		}
		return e.ReceivedAt.UnixMilli()
	case ts < 1e12:
		return ts * 1000
	default:
		return ts
	}
}
