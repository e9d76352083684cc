package types

import "time"

// SessionStatus is the server-side lifecycle state of a recording session
type SessionStatus string

// Session status constants
const (
	StatusRecording  SessionStatus = "recording"
	StatusPaused     SessionStatus = "paused"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// ParseStatus converts a stored status string back into a SessionStatus
func ParseStatus(s string) (SessionStatus, bool) {
	switch SessionStatus(s) {
	case StatusRecording, StatusPaused, StatusProcessing, StatusCompleted, StatusFailed:
		return SessionStatus(s), true
	}
	return "", false
}

// IsOpen reports whether the session still accepts chunk merges.
// A paused session is open: the chunk flushed at pause time may land after the pause notify.
func (s SessionStatus) IsOpen() bool {
	return s == StatusRecording || s == StatusPaused
}

// IsTerminal reports whether the session reached completed or failed
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source type constants
const (
	SourceChunked = "chunked"
	SourceLegacy  = "legacy"
)

// NoChunk is the chunk index sentinel for "nothing merged yet"
const NoChunk = -1

// RecordingSession is one continuous, possibly pause-interrupted, recording attempt
type RecordingSession struct {
	ID              string        `json:"session_id"`
	OwnerID         string        `json:"owner_id"`
	Status          SessionStatus `json:"status"`
	Source          string        `json:"source"`
	Transcript      string        `json:"transcript"`
	LastChunkIndex  int           `json:"last_chunk_index"`
	FinalChunkIndex int           `json:"final_chunk_index"`
	DurationSeconds float64       `json:"duration_seconds"`
	PausedAt        *time.Time    `json:"paused_at,omitempty"`
	Title           string        `json:"title,omitempty"`
	Document        string        `json:"document,omitempty"`
	ErrorMessage    string        `json:"error,omitempty"`
	LocalPath       string        `json:"local_path,omitempty"`
	GDriveURL       string        `json:"gdrive_url,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Chunk is a time-bounded segment of captured audio with a sequence index
type Chunk struct {
	SessionID       string
	Index           int
	Payload         []byte
	DurationSeconds float64
	RetryCount      int
	IsLast          bool
}

// ChunkResult is the outcome of merging one chunk into a session transcript
type ChunkResult struct {
	SessionID       string  `json:"session_id"`
	Index           int     `json:"chunk_index"`
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration"`
	Duplicate       bool    `json:"duplicate"`
}

// TranscribedChunk is a pre-transcribed chunk submitted through the legacy finalize path
type TranscribedChunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// FormatSpec tells the document formatter how to shape the transcript
type FormatSpec struct {
	Style    string `json:"style,omitempty"`
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`
}

// Document is the formatted result handed back to the owner
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}
