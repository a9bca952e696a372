package dto

import "time"

// CompanyConfigResponse is the admin view of company settings.
type CompanyConfigResponse struct {
	CompanyID   string            `json:"company_id"`
	Enabled     bool              `json:"enabled"`
	DefaultMode string            `json:"default_mode"`
	CRMDomain   string            `json:"crm_domain"`
	FieldKeys   map[string]string `json:"field_keys"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
}

// UpdateCompanyConfigRequest edits company settings. Omitted fields stay unchanged.
type UpdateCompanyConfigRequest struct {
	Enabled     *bool             `json:"enabled"`
	DefaultMode *string           `json:"default_mode"`
	CRMDomain   *string           `json:"crm_domain"`
	FieldKeys   map[string]string `json:"field_keys"`
}

// ChannelMappingRequest registers the CRM channel for a chat account.
type ChannelMappingRequest struct {
	ChannelID string `json:"channel_id"`
	Active    *bool  `json:"active"`
}

// ChannelMappingResponse describes one mapping.
type ChannelMappingResponse struct {
	ProviderChannelID string     `json:"provider_channel_id"`
	ChannelID         string     `json:"channel_id"`
	Active            bool       `json:"active"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

// SelfSentRequest remembers a message id sent by this integration.
type SelfSentRequest struct {
	MessageID string `json:"message_id"`
}
