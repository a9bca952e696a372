package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/crm-chat-sync/internal/api/dto"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	"github.com/spec-kit/crm-chat-sync/internal/service"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// AdminHandler manages company settings, channel mappings and sync counters.
type AdminHandler struct {
	admin   *service.AdminService
	bridge  *service.BridgeService
	metrics *observability.Metrics
}

// NewAdminHandler constructs handler.
func NewAdminHandler(admin *service.AdminService, bridge *service.BridgeService, metrics *observability.Metrics) *AdminHandler {
	return &AdminHandler{admin: admin, bridge: bridge, metrics: metrics}
}

// GetConfig GET /admin/config.
func (h *AdminHandler) GetConfig(c *fiber.Ctx) error {
	cfg, err := h.admin.GetConfig(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": companyConfigResponse(cfg)})
}

// UpdateConfig PUT /admin/config.
func (h *AdminHandler) UpdateConfig(c *fiber.Ctx) error {
	var req dto.UpdateCompanyConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	cfg, err := h.admin.UpdateConfig(c.UserContext(), service.CompanyConfigUpdate{
		Enabled:     req.Enabled,
		DefaultMode: req.DefaultMode,
		CRMDomain:   req.CRMDomain,
		FieldKeys:   req.FieldKeys,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": companyConfigResponse(cfg)})
}

// ListChannels GET /admin/channels.
func (h *AdminHandler) ListChannels(c *fiber.Ctx) error {
	mappings, err := h.admin.ListChannels(c.UserContext())
	if err != nil {
		return err
	}
	items := make([]dto.ChannelMappingResponse, 0, len(mappings))
	for i := range mappings {
		items = append(items, channelMappingResponse(&mappings[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// SaveChannel PUT /admin/channels/:providerChannelId.
func (h *AdminHandler) SaveChannel(c *fiber.Ctx) error {
	var req dto.ChannelMappingRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	mapping, err := h.admin.SaveChannel(c.UserContext(), param(c, "providerChannelId"), req.ChannelID, active)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": channelMappingResponse(mapping)})
}

// DeactivateChannel DELETE /admin/channels/:providerChannelId.
func (h *AdminHandler) DeactivateChannel(c *fiber.Ctx) error {
	if err := h.admin.DeactivateChannel(c.UserContext(), param(c, "providerChannelId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkSelfSent POST /admin/self-sent.
func (h *AdminHandler) MarkSelfSent(c *fiber.Ctx) error {
	var req dto.SelfSentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.bridge.MarkSelfSent(c.UserContext(), req.MessageID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Metrics GET /admin/metrics.
func (h *AdminHandler) Metrics(c *fiber.Ctx) error {
	snapshot, err := h.metrics.Snapshot(c.UserContext())
	if err != nil {
		return apperrors.NewCoordinationError("metrics", err)
	}
	return c.JSON(fiber.Map{"data": snapshot})
}

func companyConfigResponse(cfg *domain.CompanyConfig) dto.CompanyConfigResponse {
	resp := dto.CompanyConfigResponse{
		CompanyID:   cfg.CompanyID,
		Enabled:     cfg.Enabled,
		DefaultMode: string(cfg.DefaultMode),
		CRMDomain:   cfg.CRMDomain,
		FieldKeys:   cfg.FieldKeys,
	}
	if resp.FieldKeys == nil {
		resp.FieldKeys = map[string]string{}
	}
	if !cfg.UpdatedAt.IsZero() {
		updated := cfg.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func channelMappingResponse(m *domain.ChannelMapping) dto.ChannelMappingResponse {
	resp := dto.ChannelMappingResponse{
		ProviderChannelID: m.ProviderChannelID,
		ChannelID:         m.ChannelID,
		Active:            m.Active,
	}
	if !m.CreatedAt.IsZero() {
		created := m.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}
