package handlers

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/session-transcription/internal/ingest"
	"github.com/codebuildervaibhav/session-transcription/internal/transcription"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Ingester transcribes and merges one uploaded chunk
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*types.ChunkResult, error)
}

// ChunkHandler handles per-chunk audio uploads
type ChunkHandler struct {
	ingester  Ingester
	maxSizeMB int
}

// NewChunkHandler creates a new chunk handler
func NewChunkHandler(ingester Ingester, maxSizeMB int) *ChunkHandler {
	return &ChunkHandler{
		ingester:  ingester,
		maxSizeMB: maxSizeMB,
	}
}

// Handle processes a multipart chunk upload
func (h *ChunkHandler) Handle(c *fiber.Ctx) error {
	owner := c.Get(ownerHeader)
	if owner == "" {
		return missingOwner(c)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "No file uploaded", "ERR_NO_FILE")
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return badRequest(c, fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB), "ERR_FILE_TOO_LARGE")
	}

	if !transcription.ValidateAudioFormat(file.Filename) {
		return badRequest(c, "Unsupported audio format", "ERR_INVALID_FORMAT")
	}

	index, err := strconv.Atoi(c.FormValue("chunk_index"))
	if err != nil {
		return badRequest(c, "chunk_index must be an integer", "ERR_INVALID_CHUNK")
	}

	segment, err := formFloat(c, "duration")
	if err != nil {
		return badRequest(c, "duration must be a number", "ERR_INVALID_CHUNK")
	}
	total, err := formFloat(c, "total_duration")
	if err != nil {
		return badRequest(c, "total_duration must be a number", "ERR_INVALID_CHUNK")
	}

	isLast := false
	if v := c.FormValue("is_last"); v != "" {
		if isLast, err = strconv.ParseBool(v); err != nil {
			return badRequest(c, "is_last must be a boolean", "ERR_INVALID_CHUNK")
		}
	}

	f, err := file.Open()
	if err != nil {
		log.Printf("Failed to open uploaded chunk: %v", err)
		return respondError(c, err)
	}
	defer f.Close()

	audio, err := io.ReadAll(f)
	if err != nil {
		log.Printf("Failed to read uploaded chunk: %v", err)
		return respondError(c, err)
	}

	res, err := h.ingester.Ingest(c.UserContext(), ingest.Request{
		SessionID:       c.FormValue("session_id"),
		OwnerID:         owner,
		Index:           index,
		Audio:           audio,
		Filename:        file.Filename,
		SegmentDuration: segment,
		TotalDuration:   total,
		IsLast:          isLast,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"text":        res.Text,
		"chunk_index": res.Index,
		"duplicate":   res.Duplicate,
	})
}

// formFloat parses an optional numeric form field; absent means zero
func formFloat(c *fiber.Ctx, key string) (float64, error) {
	v := c.FormValue(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}
