// Package transcription turns uploaded audio chunks into text.
package transcription

import (
	"context"
	"fmt"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
)

// Transcriber converts one audio payload into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// New builds the transcriber selected by the configuration
func New(cfg config.TranscriptionConfig, tempDir string) (Transcriber, error) {
	switch cfg.Backend {
	case "whisper":
		return NewWhisperTranscriber(cfg.ModelPath, cfg.Language, cfg.Threads, tempDir)
	case "openai":
		return NewOpenAITranscriber(OpenAIConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
			Timeout:  cfg.GetTimeoutDuration(),
		})
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", cfg.Backend)
	}
}
