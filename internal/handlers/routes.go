package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Routes bundles the handlers mounted under /api and /ws
type Routes struct {
	Sessions      *SessionHandler
	Chunks        *ChunkHandler
	Finalize      *FinalizeHandler
	Notifications *NotificationHandler
}

// Register mounts every session endpoint on app
func (r *Routes) Register(app *fiber.App) {
	api := app.Group("/api")

	api.Post("/sessions", r.Sessions.Start)
	api.Get("/sessions", r.Sessions.List)
	api.Get("/sessions/:id", r.Sessions.Get)
	api.Post("/sessions/:id/pause", r.Sessions.Pause)
	api.Post("/sessions/:id/resume", r.Sessions.Resume)
	api.Delete("/sessions/:id", r.Sessions.Delete)

	api.Post("/chunks", r.Chunks.Handle)
	api.Post("/finalize", r.Finalize.Handle)

	if r.Notifications != nil {
		app.Use("/ws/notifications", r.Notifications.Upgrade)
		app.Get("/ws/notifications", websocket.New(r.Notifications.Handle))
	}
}
