package domain

import "time"

// NoteBlock is the per-conversation state of the CRM note currently collecting
// fallback messages. A block is open until its window elapses or a ceiling is hit.
type NoteBlock struct {
	StartedAt     time.Time
	MessageCount  int
	ByteCount     int
	WindowMinutes int
	NoteID        string
	PersonID      string
}

// Open reports whether the block has been started.
func (b NoteBlock) Open() bool {
	return !b.StartedAt.IsZero()
}

// PendingNoteEvent is the serialized payload kept in the pending/processing lists.
type PendingNoteEvent struct {
	MessageID   string          `json:"message_id"`
	Key         ConversationKey `json:"key"`
	Direction   Direction       `json:"direction"`
	Kind        ContentKind     `json:"kind"`
	Text        string          `json:"text"`
	TsMs        int64           `json:"ts_ms"`
	InstanceTag string          `json:"instance_tag,omitempty"`
	Link        string          `json:"link,omitempty"`
	PersonID    string          `json:"person_id,omitempty"`
	ContactName string          `json:"contact_name,omitempty"`
}

// PendingFromMessage builds the note payload for a canonical message.
func PendingFromMessage(msg CanonicalMessage, link, personID, contactName string) PendingNoteEvent {
	return PendingNoteEvent{
		MessageID:   msg.ID,
		Key:         msg.Key,
		Direction:   msg.Direction,
		Kind:        msg.Kind,
		Text:        msg.Text,
		TsMs:        msg.TimestampMs,
		InstanceTag: msg.InstanceID,
		Link:        link,
		PersonID:    personID,
		ContactName: contactName,
	}
}
