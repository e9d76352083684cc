package queue

import (
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Job kinds
const (
	KindChunked = types.SourceChunked
	KindLegacy  = types.SourceLegacy
)

// Job represents a finalize request waiting for a worker
type Job struct {
	SessionID       string
	OwnerID         string
	Kind            string
	DurationSeconds float64
	Spec            types.FormatSpec
	Error           error
	CreatedAt       time.Time
}

// NewFinalizeJob creates a job that converges and seals a chunked session
func NewFinalizeJob(sessionID, ownerID string, duration float64, spec types.FormatSpec) *Job {
	return &Job{
		SessionID:       sessionID,
		OwnerID:         ownerID,
		Kind:            KindChunked,
		DurationSeconds: duration,
		Spec:            spec,
		CreatedAt:       time.Now(),
	}
}

// NewLegacyJob creates a job that formats a session already sealed by the legacy path
func NewLegacyJob(sessionID, ownerID string, spec types.FormatSpec) *Job {
	return &Job{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Kind:      KindLegacy,
		Spec:      spec,
		CreatedAt: time.Now(),
	}
}
