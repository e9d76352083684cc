package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// LocalStorage handles saving finished documents to the local filesystem
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
	}
}

// SaveDocument saves the formatted document and its session metadata to local disk
func (ls *LocalStorage) SaveDocument(sess *types.RecordingSession, doc types.Document) (string, error) {
	// Create dated directory structure: outputs/2025/01/23/
	now := time.Now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	// 20250123_143022_weekly_sync.md
	timestamp := now.Format("20060102_150405")
	name := doc.Title
	if name == "" {
		name = sess.ID
	}
	baseFilename := fmt.Sprintf("%s_%s", timestamp, sanitizeFilename(name))

	docPath := filepath.Join(dateDir, baseFilename+".md")
	metaPath := filepath.Join(dateDir, baseFilename+"_meta.json")

	if err := os.WriteFile(docPath, []byte(doc.Content), 0644); err != nil {
		return "", fmt.Errorf("failed to save document: %w", err)
	}

	metadata := map[string]interface{}{
		"session_id":        sess.ID,
		"owner_id":          sess.OwnerID,
		"source":            sess.Source,
		"title":             doc.Title,
		"duration_seconds":  sess.DurationSeconds,
		"last_chunk_index":  sess.LastChunkIndex,
		"word_count":        len(strings.Fields(sess.Transcript)),
		"transcript_length": len(sess.Transcript),
		"created_at":        sess.CreatedAt,
		"finalized_at":      now,
		"local_path":        docPath,
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	return docPath, nil
}

// sanitizeFilename replaces characters that are unsafe in file names
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	)
	result := replacer.Replace(strings.TrimSpace(name))
	if len(result) > 100 {
		result = result[:100]
	}
	if result == "" {
		result = "session"
	}
	return result
}
