package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

func TestResumeStoreRoundTrip(t *testing.T) {
	store := NewResumeStore(filepath.Join(t.TempDir(), "state"))

	rec, err := store.Load()
	if err != nil || rec != nil {
		t.Fatalf("Load on empty store = %v, %v", rec, err)
	}

	pausedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.Save(&ResumeRecord{SessionID: "s1", Duration: 95.5, PausedAt: pausedAt, ChunkIndex: 4}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err = store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.SessionID != "s1" || rec.Duration != 95.5 || rec.ChunkIndex != 4 || !rec.PausedAt.Equal(pausedAt) {
		t.Errorf("record = %+v", rec)
	}
	if rec.Version != resumeRecordVersion {
		t.Errorf("Version = %d", rec.Version)
	}

	// Save replaces; there is never more than one record
	spec := types.FormatSpec{Style: "notes", Title: "standup", Language: "de"}
	if err := store.Save(&ResumeRecord{SessionID: "s2", ChunkIndex: 1, Spec: spec, Finalizing: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, _ = store.Load()
	if rec.SessionID != "s2" {
		t.Errorf("SessionID = %q after replace", rec.SessionID)
	}
	if rec.Spec != spec || !rec.Finalizing {
		t.Errorf("record = %+v, want spec and finalize marker kept", rec)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
	if rec, err := store.Load(); rec != nil || err != nil {
		t.Errorf("Load after Clear = %v, %v", rec, err)
	}
}

func TestResumeStoreRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{not json"},
		{"no session", `{"version":1,"chunk_index":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "resume.json"), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := NewResumeStore(dir).Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
