package types

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when no session exists for an id
var ErrSessionNotFound = errors.New("session not found")

// ErrConflict matches any ConflictError via errors.Is
var ErrConflict = errors.New("session conflict")

// CaptureError means the capture device could not be opened or read
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// DeliveryError is a per-chunk delivery failure that exhausted its retry budget
type DeliveryError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ConflictError is a merge or seal attempted against a session that is no longer open
type ConflictError struct {
	SessionID string
	Status    SessionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is %s", e.SessionID, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ConvergenceTimeout reports that stabilization polling gave up before the transcript settled
type ConvergenceTimeout struct {
	SessionID string
	Length    int
	Samples   int
}

func (e *ConvergenceTimeout) Error() string {
	return fmt.Sprintf("session %s did not converge after %d samples (length %d)", e.SessionID, e.Samples, e.Length)
}

// TranscriptionError means the transcription collaborator could not produce text
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// FormattingError means the document formatter failed; terminal for the session
type FormattingError struct {
	Err error
}

func (e *FormattingError) Error() string {
	return fmt.Sprintf("formatting failed: %v", e.Err)
}

func (e *FormattingError) Unwrap() error { return e.Err }

// QuotaError means the usage ledger denied the requested minutes
type QuotaError struct {
	OwnerID string
	Minutes int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for owner %s (%d minutes requested)", e.OwnerID, e.Minutes)
}
