package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/session-transcription/internal/ingest"
	"github.com/codebuildervaibhav/session-transcription/internal/queue"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// ownerHeader carries the authenticated owner id set by the fronting proxy
const ownerHeader = "X-Owner-ID"

func missingOwner(c *fiber.Ctx) error {
	return c.Status(401).JSON(fiber.Map{
		"success": false,
		"error":   "Missing " + ownerHeader + " header",
		"code":    "ERR_NO_OWNER",
	})
}

func badRequest(c *fiber.Ctx, message, code string) error {
	return c.Status(400).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// respondError maps domain errors onto HTTP status codes
func respondError(c *fiber.Ctx, err error) error {
	var (
		conflict *types.ConflictError
		terr     *types.TranscriptionError
		qerr     *types.QuotaError
	)

	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		return c.Status(404).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
			"code":    "ERR_SESSION_NOT_FOUND",
		})
	case errors.As(err, &conflict):
		return c.Status(409).JSON(fiber.Map{
			"success": false,
			"error":   conflict.Error(),
			"code":    "ERR_CONFLICT",
			"status":  conflict.Status,
		})
	case errors.As(err, &terr):
		return c.Status(422).JSON(fiber.Map{
			"success": false,
			"error":   terr.Error(),
			"code":    "ERR_TRANSCRIPTION_FAILED",
		})
	case errors.As(err, &qerr):
		return c.Status(402).JSON(fiber.Map{
			"success": false,
			"error":   qerr.Error(),
			"code":    "ERR_QUOTA_EXCEEDED",
		})
	case errors.Is(err, ingest.ErrInvalidChunk):
		return badRequest(c, err.Error(), "ERR_INVALID_CHUNK")
	case errors.Is(err, queue.ErrQueueFull):
		return c.Status(503).JSON(fiber.Map{
			"success": false,
			"error":   "Server is busy, retry shortly",
			"code":    "ERR_QUEUE_FULL",
		})
	}

	log.Printf("Request %s %s failed: %v", c.Method(), c.Path(), err)
	return c.Status(500).JSON(fiber.Map{
		"success": false,
		"error":   "Internal server error",
		"code":    "ERR_INTERNAL",
	})
}
