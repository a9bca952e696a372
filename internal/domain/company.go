package domain

import "time"

// SyncMode selects how messages are delivered to the CRM.
type SyncMode string

const (
	// SyncModeChannels uses the channel API only and never falls back.
	SyncModeChannels SyncMode = "channels"
	// SyncModeDual uses the channel API and falls back to notes on failure.
	SyncModeDual SyncMode = "dual"
	// SyncModeNotes always writes to the note timeline.
	SyncModeNotes SyncMode = "v2"
)

// ParseSyncMode normalizes a configured mode. Unknown values yield "" which
// callers treat as the dual-like default.
func ParseSyncMode(raw string) SyncMode {
	switch SyncMode(raw) {
	case SyncModeChannels, SyncModeDual, SyncModeNotes:
		return SyncMode(raw)
	case "fallback", "notes":
		return SyncModeNotes
	default:
		return ""
	}
}

// CompanyConfig holds per-company integration settings edited by an admin.
type CompanyConfig struct {
	CompanyID   string
	Enabled     bool
	DefaultMode SyncMode
	CRMDomain   string
	FieldKeys   map[string]string
	UpdatedAt   time.Time
}

// ChannelMapping links a chat-transport account to a CRM channel.
type ChannelMapping struct {
	ProviderChannelID string
	ChannelID         string
	Active            bool
	CreatedAt         time.Time
}

// Usable reports whether the mapping can carry channel API traffic.
func (m *ChannelMapping) Usable() bool {
	return m != nil && m.Active && m.ChannelID != ""
}
