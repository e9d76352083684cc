package tui

import (
	"github.com/codebuildervaibhav/session-transcription/internal/recorder"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// TickMsg refreshes the controller snapshot.
type TickMsg struct{}

// ActionResultMsg reports the outcome of a lifecycle action.
type ActionResultMsg struct {
	Action string
	Err    error
}

// RecoveredMsg reports the outcome of the recovery prompt.
type RecoveredMsg struct {
	Choice recorder.RecoverChoice
	Err    error
}

// ResultMsg carries the finalized session, or why it failed.
type ResultMsg struct {
	Session *types.RecordingSession
	Err     error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
