package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/crm-chat-sync/internal/api/http/handlers"
	"github.com/spec-kit/crm-chat-sync/internal/auth"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Webhook        *handlers.WebhookHandler
	Auth           *handlers.AuthHandler
	Admin          *handlers.AdminHandler
	Conversations  *handlers.ConversationsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/webhooks/chat", cfg.Webhook.Receive)

	authGroup := app.Group("/auth")
	authGroup.Post("/login", cfg.Auth.Login)

	viewer := auth.RequireRole()
	adminOnly := auth.RequireRole(domain.OperatorRoleAdmin)

	conversations := app.Group("/conversations", cfg.AuthMiddleware.Handle)
	conversations.Get("/", viewer, cfg.Conversations.List)
	conversations.Get("/:pc/:cid", viewer, cfg.Conversations.Get)
	conversations.Get("/:pc/:cid/messages", viewer, cfg.Conversations.Messages)
	conversations.Post("/:pc/:cid/read", viewer, cfg.Conversations.MarkRead)
	conversations.Post("/:pc/:cid/flush", adminOnly, cfg.Conversations.Flush)

	admin := app.Group("/admin", cfg.AuthMiddleware.Handle)
	admin.Get("/config", viewer, cfg.Admin.GetConfig)
	admin.Put("/config", adminOnly, cfg.Admin.UpdateConfig)
	admin.Get("/metrics", viewer, cfg.Admin.Metrics)
	admin.Get("/channels", viewer, cfg.Admin.ListChannels)
	admin.Put("/channels/:providerChannelId", adminOnly, cfg.Admin.SaveChannel)
	admin.Delete("/channels/:providerChannelId", adminOnly, cfg.Admin.DeactivateChannel)
	admin.Post("/self-sent", adminOnly, cfg.Admin.MarkSelfSent)
}
