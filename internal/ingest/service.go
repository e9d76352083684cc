// Package ingest merges transcribed chunks into open recording sessions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/transcription"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// ErrInvalidChunk is returned for requests that can never succeed on retry
var ErrInvalidChunk = errors.New("invalid chunk")

// errEmptyTranscript means the transcriber returned no words for the chunk
var errEmptyTranscript = errors.New("empty transcription")

// Store is the part of the session store the ingestion path needs
type Store interface {
	GetSession(ctx context.Context, id string) (*types.RecordingSession, error)
	LookupChunk(ctx context.Context, sessionID string, index int) (string, bool, error)
	MergeChunk(ctx context.Context, sessionID string, index int, text string,
		segmentDuration, totalDuration float64, isLast bool) (*types.ChunkResult, error)
}

// Request is one chunk delivery
type Request struct {
	SessionID       string
	OwnerID         string // empty skips the ownership check
	Index           int
	Audio           []byte
	Filename        string
	SegmentDuration float64
	TotalDuration   float64
	IsLast          bool
}

// Service transcribes and merges chunk deliveries
type Service struct {
	store       Store
	transcriber transcription.Transcriber
	metrics     *metrics.Metrics
}

// NewService creates a new ingestion service
func NewService(store Store, transcriber transcription.Transcriber, m *metrics.Metrics) *Service {
	return &Service{
		store:       store,
		transcriber: transcriber,
		metrics:     m,
	}
}

// Ingest handles one chunk delivery. Redelivery of an already merged index returns the
// stored text without transcribing again or touching the transcript.
func (s *Service) Ingest(ctx context.Context, req Request) (*types.ChunkResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s.metrics.ChunksReceived.Inc()

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != "" && req.OwnerID != sess.OwnerID {
		return nil, types.ErrSessionNotFound
	}
	if !sess.Status.IsOpen() {
		s.metrics.ChunksConflict.Inc()
		return nil, &types.ConflictError{SessionID: sess.ID, Status: sess.Status}
	}

	if text, found, err := s.store.LookupChunk(ctx, req.SessionID, req.Index); err != nil {
		return nil, err
	} else if found {
		s.metrics.ChunksDuplicate.Inc()
		log.Printf("Session %s: chunk %d redelivered, returning stored text", req.SessionID, req.Index)
		return &types.ChunkResult{
			SessionID:       req.SessionID,
			Index:           req.Index,
			Text:            text,
			DurationSeconds: req.SegmentDuration,
			Duplicate:       true,
		}, nil
	}

	started := time.Now()
	text, err := s.transcriber.Transcribe(ctx, req.Audio, req.Filename)
	if err == nil && text == "" {
		err = errEmptyTranscript
	}
	if err != nil {
		s.metrics.RecordTranscriptionFailure(time.Since(started).Seconds())
		log.Printf("Session %s: chunk %d transcription failed: %v", req.SessionID, req.Index, err)
		return nil, &types.TranscriptionError{Err: err}
	}

	result, err := s.store.MergeChunk(ctx, req.SessionID, req.Index, text,
		req.SegmentDuration, req.TotalDuration, req.IsLast)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Sealed while we were transcribing.
			s.metrics.ChunksConflict.Inc()
			log.Printf("Session %s: chunk %d arrived after seal, dropped", req.SessionID, req.Index)
		}
		return nil, err
	}

	if result.Duplicate {
		// A concurrent delivery of the same index won the merge.
		s.metrics.ChunksDuplicate.Inc()
	} else {
		s.metrics.RecordChunkMerged(time.Since(started).Seconds())
		log.Printf("Session %s: merged chunk %d (%.1fs, total %.1fs)",
			req.SessionID, req.Index, req.SegmentDuration, req.TotalDuration)
	}

	return result, nil
}

func (r Request) validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidChunk)
	}
	if r.Index < 0 {
		return fmt.Errorf("%w: chunk_index must be non-negative, got %d", ErrInvalidChunk, r.Index)
	}
	if len(r.Audio) == 0 {
		return fmt.Errorf("%w: audio payload is empty", ErrInvalidChunk)
	}
	if r.SegmentDuration < 0 || r.TotalDuration < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidChunk)
	}
	return nil
}
