package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/notify"
	"github.com/codebuildervaibhav/session-transcription/internal/quota"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// SessionStore is the session lifecycle surface the HTTP layer needs
type SessionStore interface {
	CreateSession(ctx context.Context, id, ownerID, title string) (*types.RecordingSession, error)
	GetSession(ctx context.Context, id string) (*types.RecordingSession, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]*types.RecordingSession, error)
	SetPaused(ctx context.Context, sessionID string, at time.Time) error
	SetResumed(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionHandler serves session start, status, pause, resume and discard
type SessionHandler struct {
	store    SessionStore
	ledger   quota.Ledger
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

// NewSessionHandler creates a new session handler. ledger and notifier may be nil.
func NewSessionHandler(store SessionStore, ledger quota.Ledger, notifier notify.Notifier, m *metrics.Metrics) *SessionHandler {
	return &SessionHandler{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
	}
}

type startRequest struct {
	Title string `json:"title"`
}

type pauseRequest struct {
	Background bool `json:"background"`
}

// Start opens a new recording session for the caller
func (h *SessionHandler) Start(c *fiber.Ctx) error {
	owner := c.Get(ownerHeader)
	if owner == "" {
		return missingOwner(c)
	}

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
		}
	}

	if h.ledger != nil {
		allowed, err := h.ledger.CheckAndReserve(c.UserContext(), owner, 0)
		if err != nil {
			return respondError(c, err)
		}
		if !allowed {
			return respondError(c, &types.QuotaError{OwnerID: owner})
		}
	}

	sess, err := h.store.CreateSession(c.UserContext(), uuid.New().String(), owner, req.Title)
	if err != nil {
		return respondError(c, err)
	}

	h.metrics.SessionsStarted.Inc()
	log.Printf("Session %s: started for owner %s", sess.ID, owner)

	return c.Status(201).JSON(fiber.Map{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// List returns the caller's most recent sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	owner := c.Get(ownerHeader)
	if owner == "" {
		return missingOwner(c)
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return badRequest(c, "limit must be between 1 and 500", "ERR_INVALID_LIMIT")
	}

	sessions, err := h.store.ListSessions(c.UserContext(), owner, limit)
	if err != nil {
		return respondError(c, err)
	}
	if sessions == nil {
		sessions = []*types.RecordingSession{}
	}

	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Get returns one session, including its document once completed
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sess)
}

// Pause records a pause notification. The session stays open for the flushed chunk.
func (h *SessionHandler) Pause(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return respondError(c, err)
	}

	var req pauseRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
		}
	}

	if err := h.store.SetPaused(c.UserContext(), sess.ID, time.Now()); err != nil {
		return respondError(c, err)
	}

	reason := "user"
	if req.Background {
		reason = "background"
	}
	log.Printf("Session %s: paused (%s)", sess.ID, reason)

	h.notify(sess.OwnerID, notify.Notification{
		Type:      notify.EventPaused,
		SessionID: sess.ID,
		Message:   reason,
	})

	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"status":     types.StatusPaused,
	})
}

// Resume moves a paused session back to recording
func (h *SessionHandler) Resume(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.store.SetResumed(c.UserContext(), sess.ID); err != nil {
		return respondError(c, err)
	}
	log.Printf("Session %s: resumed", sess.ID)

	h.notify(sess.OwnerID, notify.Notification{
		Type:      notify.EventResumed,
		SessionID: sess.ID,
	})

	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"status":     types.StatusRecording,
	})
}

// Delete discards a session and every chunk merged into it
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.store.DeleteSession(c.UserContext(), sess.ID); err != nil {
		return respondError(c, err)
	}
	log.Printf("Session %s: discarded by owner", sess.ID)

	return c.SendStatus(204)
}

// owned loads the :id session and hides sessions of other owners behind not-found
func (h *SessionHandler) owned(c *fiber.Ctx) (*types.RecordingSession, error) {
	sess, err := h.store.GetSession(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != c.Get(ownerHeader) {
		return nil, types.ErrSessionNotFound
	}
	return sess, nil
}

func (h *SessionHandler) notify(ownerID string, n notify.Notification) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(ownerID, n)
}
