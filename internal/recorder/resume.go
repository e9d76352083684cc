package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

const resumeRecordVersion = 1

// ResumeRecord is the local state needed to continue or finalize a session after suspension.
// Finalizing marks a stopped session whose finalize request has not been acknowledged yet;
// such a session can only be finalized or discarded.
type ResumeRecord struct {
	Version    int              `json:"version"`
	SessionID  string           `json:"session_id"`
	Duration   float64          `json:"duration"`
	PausedAt   time.Time        `json:"paused_at"`
	ChunkIndex int              `json:"chunk_index"`
	Spec       types.FormatSpec `json:"spec"`
	Finalizing bool             `json:"finalizing,omitempty"`
}

// ResumeStore keeps at most one ResumeRecord in the recorder state directory
type ResumeStore struct {
	path string
}

// NewResumeStore creates a store writing resume.json under dir
func NewResumeStore(dir string) *ResumeStore {
	return &ResumeStore{path: filepath.Join(dir, "resume.json")}
}

// Save replaces the record atomically
func (s *ResumeStore) Save(rec *ResumeRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	rec.Version = resumeRecordVersion
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resume record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write resume record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace resume record: %w", err)
	}
	return nil
}

// Load returns the saved record, or nil when there is none
func (s *ResumeStore) Load() (*ResumeRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resume record: %w", err)
	}

	var rec ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse resume record: %w", err)
	}
	if rec.SessionID == "" {
		return nil, fmt.Errorf("resume record has no session id")
	}
	return &rec, nil
}

// Clear removes the record; a missing record is not an error
func (s *ResumeStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear resume record: %w", err)
	}
	return nil
}
