package handlers

import (
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/crm-chat-sync/internal/api/dto"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/service"
)

// ConversationsHandler serves the conversation index to the dashboard.
type ConversationsHandler struct {
	service *service.ConversationService
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(conversations *service.ConversationService) *ConversationsHandler {
	return &ConversationsHandler{service: conversations}
}

// List GET /conversations.
func (h *ConversationsHandler) List(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	summaries, err := h.service.List(c.UserContext(), limit, offset)
	if err != nil {
		return err
	}
	items := make([]dto.ConversationSummary, 0, len(summaries))
	for i := range summaries {
		items = append(items, conversationSummary(&summaries[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /conversations/:pc/:cid.
func (h *ConversationsHandler) Get(c *fiber.Ctx) error {
	summary, err := h.service.Get(c.UserContext(), conversationKey(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationSummary(summary)})
}

// Messages GET /conversations/:pc/:cid/messages.
func (h *ConversationsHandler) Messages(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.service.Messages(c.UserContext(), conversationKey(c), limit)
	if err != nil {
		return err
	}
	items := make([]dto.MessageResponse, 0, len(msgs))
	for i := range msgs {
		items = append(items, messageResponse(&msgs[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// MarkRead POST /conversations/:pc/:cid/read.
func (h *ConversationsHandler) MarkRead(c *fiber.Ctx) error {
	if err := h.service.MarkRead(c.UserContext(), conversationKey(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Flush POST /conversations/:pc/:cid/flush.
func (h *ConversationsHandler) Flush(c *fiber.Ctx) error {
	result, err := h.service.Flush(c.UserContext(), conversationKey(c))
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if result.Deferred {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{"data": dto.FlushResponse{
		NoteID:    result.NoteID,
		Created:   result.Created,
		Committed: result.Committed,
		Recovered: result.Recovered,
		Deferred:  result.Deferred,
	}})
}

func conversationKey(c *fiber.Ctx) domain.ConversationKey {
	return domain.ConversationKey{ProviderChannelID: param(c, "pc"), ConversationID: param(c, "cid")}
}

// param returns a path parameter with percent-escapes decoded.
func param(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func conversationSummary(s *domain.ConversationSummary) dto.ConversationSummary {
	participants := s.Participants
	if participants == nil {
		participants = []string{}
	}
	return dto.ConversationSummary{
		ProviderChannelID: s.Key.ProviderChannelID,
		ConversationID:    s.Key.ConversationID,
		LastMessageID:     s.LastMessageID,
		LastMessageAt:     s.LastMessageAt,
		LastDirection:     string(s.LastDirection),
		Preview:           s.Preview,
		UnreadCount:       s.UnreadCount,
		ContactName:       s.ContactName,
		ContactPhone:      s.ContactPhone,
		Participants:      participants,
	}
}

func messageResponse(m *domain.CanonicalMessage) dto.MessageResponse {
	attachments := make([]dto.AttachmentResponse, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(attachments, dto.AttachmentResponse{
			Kind:     att.Kind,
			URL:      att.URL,
			MimeType: att.MimeType,
			FileName: att.FileName,
		})
	}
	return dto.MessageResponse{
		ID:          m.ID,
		TimestampMs: m.TimestampMs,
		Direction:   string(m.Direction),
		Kind:        string(m.Kind),
		Text:        m.Text,
		SenderID:    m.Sender.ID,
		SenderName:  m.Sender.Name,
		SenderRole:  m.Sender.Role,
		Attachments: attachments,
	}
}
