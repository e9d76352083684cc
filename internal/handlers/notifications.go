package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/session-transcription/internal/notify"
)

// NotificationHandler streams session events to an owner over WebSocket
type NotificationHandler struct {
	hub *notify.Hub
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(hub *notify.Hub) *NotificationHandler {
	return &NotificationHandler{hub: hub}
}

// Upgrade rejects plain HTTP requests and requests without an owner
func (h *NotificationHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if c.Query("owner") == "" {
		return badRequest(c, "owner query parameter is required", "ERR_NO_OWNER")
	}
	return c.Next()
}

// Handle serves one WebSocket connection until the client goes away
func (h *NotificationHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	h.hub.Serve(c.Query("owner"), c)
}
