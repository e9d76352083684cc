package handlers

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/session-transcription/internal/queue"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Enqueuer accepts finalize jobs without blocking
type Enqueuer interface {
	EnqueueJob(job *queue.Job) error
}

// LegacyPreparer stores pre-transcribed chunks as a sealed session
type LegacyPreparer interface {
	PrepareLegacy(ctx context.Context, ownerID string, chunks []types.TranscribedChunk,
		duration float64, spec types.FormatSpec) (*types.RecordingSession, error)
	MarkFailed(ctx context.Context, sess *types.RecordingSession, cause error)
}

// SessionGetter loads a session by id
type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*types.RecordingSession, error)
}

// FinalizeHandler accepts finalize requests and hands them to the worker pool
type FinalizeHandler struct {
	sessions SessionGetter
	legacy   LegacyPreparer
	jobs     Enqueuer
}

// NewFinalizeHandler creates a new finalize handler
func NewFinalizeHandler(sessions SessionGetter, legacy LegacyPreparer, jobs Enqueuer) *FinalizeHandler {
	return &FinalizeHandler{
		sessions: sessions,
		legacy:   legacy,
		jobs:     jobs,
	}
}

type finalizeRequest struct {
	SessionID       string                   `json:"session_id"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Format          types.FormatSpec         `json:"format"`
	Chunks          []types.TranscribedChunk `json:"chunks"`
}

// Handle processes a finalize request. A body with chunks takes the legacy path.
func (h *FinalizeHandler) Handle(c *fiber.Ctx) error {
	owner := c.Get(ownerHeader)
	if owner == "" {
		return missingOwner(c)
	}

	var req finalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	if req.DurationSeconds < 0 {
		return badRequest(c, "duration_seconds cannot be negative", "ERR_INVALID_DURATION")
	}

	if len(req.Chunks) > 0 {
		return h.handleLegacy(c, owner, req)
	}
	if req.SessionID == "" {
		return badRequest(c, "session_id or chunks is required", "ERR_INVALID_BODY")
	}

	sess, err := h.sessions.GetSession(c.UserContext(), req.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	if sess.OwnerID != owner {
		return respondError(c, types.ErrSessionNotFound)
	}
	if !sess.Status.IsOpen() {
		return respondError(c, &types.ConflictError{SessionID: sess.ID, Status: sess.Status})
	}

	if err := h.jobs.EnqueueJob(queue.NewFinalizeJob(sess.ID, owner, req.DurationSeconds, req.Format)); err != nil {
		return respondError(c, err)
	}
	log.Printf("Session %s: finalize queued (%.1fs)", sess.ID, req.DurationSeconds)

	return c.Status(202).JSON(fiber.Map{
		"session_id": sess.ID,
		"status":     "finalizing",
		"message":    "Finalize accepted, the document will be ready shortly",
	})
}

func (h *FinalizeHandler) handleLegacy(c *fiber.Ctx, owner string, req finalizeRequest) error {
	sess, err := h.legacy.PrepareLegacy(c.UserContext(), owner, req.Chunks, req.DurationSeconds, req.Format)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.jobs.EnqueueJob(queue.NewLegacyJob(sess.ID, owner, req.Format)); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			h.legacy.MarkFailed(c.UserContext(), sess, err)
		}
		return respondError(c, err)
	}

	return c.Status(202).JSON(fiber.Map{
		"session_id": sess.ID,
		"status":     types.StatusProcessing,
		"message":    "Finalize accepted, the document will be ready shortly",
	})
}
