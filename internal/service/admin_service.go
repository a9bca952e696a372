package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/repository"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// CompanyConfigUpdate carries an admin edit. Nil fields are left unchanged.
type CompanyConfigUpdate struct {
	Enabled     *bool
	DefaultMode *string
	CRMDomain   *string
	FieldKeys   map[string]string
}

// AdminService manages company settings and channel mappings.
type AdminService struct {
	companyID string
	defaults  domain.CompanyConfig
	companies repository.CompanyConfigRepository
	channels  repository.ChannelMappingRepository
}

// NewAdminService builds the service. defaults is returned while no row exists.
func NewAdminService(companyID string, defaults domain.CompanyConfig, companies repository.CompanyConfigRepository, channels repository.ChannelMappingRepository) *AdminService {
	defaults.CompanyID = companyID
	if defaults.FieldKeys == nil {
		defaults.FieldKeys = map[string]string{}
	}
	return &AdminService{companyID: companyID, defaults: defaults, companies: companies, channels: channels}
}

// GetConfig returns the stored company config or the process defaults.
func (s *AdminService) GetConfig(ctx context.Context) (*domain.CompanyConfig, error) {
	cfg, err := s.companies.Get(ctx, s.companyID)
	if errors.Is(err, pgx.ErrNoRows) {
		out := s.defaults
		return &out, nil
	}
	return cfg, err
}

// UpdateConfig applies an edit and persists it.
func (s *AdminService) UpdateConfig(ctx context.Context, update CompanyConfigUpdate) (*domain.CompanyConfig, error) {
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if update.Enabled != nil {
		cfg.Enabled = *update.Enabled
	}
	if update.DefaultMode != nil {
		raw := strings.ToLower(strings.TrimSpace(*update.DefaultMode))
		mode := domain.ParseSyncMode(raw)
		if raw != "" && mode == "" {
			return nil, apperrors.NewDomainError(apperrors.CodeUnsupportedMode, "unsupported sync mode", 400, map[string]any{"mode": raw})
		}
		cfg.DefaultMode = mode
	}
	if update.CRMDomain != nil {
		cfg.CRMDomain = strings.TrimSpace(*update.CRMDomain)
	}
	if update.FieldKeys != nil {
		cfg.FieldKeys = update.FieldKeys
	}
	cfg.CompanyID = s.companyID
	if err := s.companies.Upsert(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListChannels returns every channel mapping.
func (s *AdminService) ListChannels(ctx context.Context) ([]domain.ChannelMapping, error) {
	mappings, err := s.channels.List(ctx)
	if err != nil {
		return nil, err
	}
	if mappings == nil {
		mappings = []domain.ChannelMapping{}
	}
	return mappings, nil
}

// SaveChannel registers or replaces the CRM channel of a chat account.
func (s *AdminService) SaveChannel(ctx context.Context, providerChannelID, channelID string, active bool) (*domain.ChannelMapping, error) {
	providerChannelID = strings.TrimSpace(providerChannelID)
	channelID = strings.TrimSpace(channelID)
	if providerChannelID == "" || channelID == "" {
		return nil, apperrors.NewValidationError("provider_channel_id and channel_id are required", nil)
	}
	mapping := &domain.ChannelMapping{ProviderChannelID: providerChannelID, ChannelID: channelID, Active: active}
	if err := s.channels.Upsert(ctx, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

// DeactivateChannel stops channel API delivery for a chat account.
func (s *AdminService) DeactivateChannel(ctx context.Context, providerChannelID string) error {
	return s.channels.Deactivate(ctx, providerChannelID)
}
