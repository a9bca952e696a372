package domain

import (
	"strings"
	"time"
)

// ConversationKey identifies a chat thread scoped to one chat-transport account.
type ConversationKey struct {
	ProviderChannelID string `json:"provider_channel_id"`
	ConversationID    string `json:"conversation_id"`
}

// Valid reports whether both parts of the key are present.
func (k ConversationKey) Valid() bool {
	return strings.TrimSpace(k.ProviderChannelID) != "" && strings.TrimSpace(k.ConversationID) != ""
}

func (k ConversationKey) String() string {
	return k.ProviderChannelID + ":" + k.ConversationID
}

// Direction tells whether a message came from the contact or was sent to it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ShortCode is the compact marker used in rendered note lines.
func (d Direction) ShortCode() string {
	if d == DirectionOutbound {
		return "OUT"
	}
	return "IN"
}

// ContentKind is the payload shape decided once at the bridge boundary.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentMedia       ContentKind = "media"
	ContentInteractive ContentKind = "interactive"
	ContentUnknown     ContentKind = "unknown"
)

// Attachment describes a media item carried by a message.
type Attachment struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Sender identifies who authored a message.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// Contact is the remote party of a conversation.
type Contact struct {
	RemoteID    string `json:"remote_id"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"name,omitempty"`
	IsGroup     bool   `json:"is_group"`
}

// CanonicalMessage is the transport-neutral message record. Records are never
// mutated; a later record with the same ID supersedes the earlier one.
type CanonicalMessage struct {
	ID          string          `json:"id"`
	Key         ConversationKey `json:"key"`
	TimestampMs int64           `json:"ts_ms"`
	Direction   Direction       `json:"direction"`
	Kind        ContentKind     `json:"kind"`
	Text        string          `json:"text"`
	Attachments []Attachment    `json:"attachments"`
	Sender      Sender          `json:"sender"`
	InstanceID  string          `json:"instance_id,omitempty"`
}

// CreatedAt returns the message timestamp as time.
func (m CanonicalMessage) CreatedAt() time.Time {
	return time.UnixMilli(m.TimestampMs).UTC()
}

// Preview returns a shortened single-line version of the text.
func (m CanonicalMessage) Preview(max int) string {
	body := strings.Join(strings.Fields(m.Text), " ")
	if body == "" && m.Kind == ContentMedia && len(m.Attachments) > 0 {
		body = "[" + m.Attachments[0].Kind + "]"
	}
	if len([]rune(body)) <= max {
		return body
	}
	runes := []rune(body)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// ConversationSummary is the index entry kept for each conversation.
type ConversationSummary struct {
	Key           ConversationKey `json:"key"`
	LastMessageID string          `json:"last_message_id"`
	LastMessageAt int64           `json:"last_message_at"`
	LastDirection Direction       `json:"last_direction"`
	Preview       string          `json:"preview"`
	UnreadCount   int64           `json:"unread_count"`
	ContactName   string          `json:"contact_name,omitempty"`
	ContactPhone  string          `json:"contact_phone,omitempty"`
	Participants  []string        `json:"participants"`
}
