package handlers

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/crm-chat-sync/internal/events"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// WebhookSecretHeader carries the shared secret of the chat transport.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookHandler accepts chat-transport events over HTTP.
type WebhookHandler struct {
	dispatcher events.Dispatcher
	secret     string
	metrics    *observability.Metrics
}

// NewWebhookHandler constructs handler. An empty secret disables the check.
func NewWebhookHandler(dispatcher events.Dispatcher, secret string, metrics *observability.Metrics) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, secret: secret, metrics: metrics}
}

// Receive POST /webhooks/chat.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(c.Get(WebhookSecretHeader)), []byte(h.secret)) != 1 {
		return apperrors.NewUnauthorized("invalid webhook secret")
	}
	event, err := events.Decode(c.Body())
	if err != nil {
		h.metrics.RecordEvent("unknown", "invalid")
		h.metrics.IncSync(c.UserContext(), observability.OutcomeInvalidEvent)
		return err
	}
	if err := h.dispatcher.Publish(c.UserContext(), event); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{
		"accepted":   true,
		"type":       event.Type,
		"message_id": event.Payload.Message.ID,
	}})
}
