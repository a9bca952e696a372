package dto

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ProviderChannelID string   `json:"provider_channel_id"`
	ConversationID    string   `json:"conversation_id"`
	LastMessageID     string   `json:"last_message_id"`
	LastMessageAt     int64    `json:"last_message_at"`
	LastDirection     string   `json:"last_direction"`
	Preview           string   `json:"preview"`
	UnreadCount       int64    `json:"unread_count"`
	ContactName       string   `json:"contact_name,omitempty"`
	ContactPhone      string   `json:"contact_phone,omitempty"`
	Participants      []string `json:"participants"`
}

// MessageResponse is one indexed message.
type MessageResponse struct {
	ID          string               `json:"id"`
	TimestampMs int64                `json:"ts_ms"`
	Direction   string               `json:"direction"`
	Kind        string               `json:"kind"`
	Text        string               `json:"text"`
	SenderID    string               `json:"sender_id"`
	SenderName  string               `json:"sender_name,omitempty"`
	SenderRole  string               `json:"sender_role"`
	Attachments []AttachmentResponse `json:"attachments"`
}

// AttachmentResponse describes one media item.
type AttachmentResponse struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// FlushResponse reports a manual flush.
type FlushResponse struct {
	NoteID    string `json:"note_id,omitempty"`
	Created   bool   `json:"created"`
	Committed int    `json:"committed"`
	Recovered int    `json:"recovered"`
	Deferred  bool   `json:"deferred"`
}
