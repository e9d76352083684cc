package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// WhisperTranscriber wraps Python's OpenAI Whisper for transcription
type WhisperTranscriber struct {
	modelName  string
	language   string
	whisperCmd string
	threads    int
	tempDir    string
	mu         sync.Mutex // whisper saturates the CPU, one chunk at a time
}

// NewWhisperTranscriber creates a new transcriber using Python Whisper
func NewWhisperTranscriber(modelPath, language string, threads int, tempDir string) (*WhisperTranscriber, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	modelName := modelNameFromPath(modelPath)
	log.Printf("Initializing Python Whisper with model: %s", modelName)
	log.Printf("Whisper will be called via: python -m whisper")

	return &WhisperTranscriber{
		modelName:  modelName,
		language:   language,
		whisperCmd: "python",
		threads:    threads,
		tempDir:    tempDir,
	}, nil
}

// modelNameFromPath maps "models/ggml-small.bin" style paths to a whisper model name
func modelNameFromPath(modelPath string) string {
	for _, name := range []string{"tiny", "base", "small", "medium", "large"} {
		if strings.Contains(modelPath, name) {
			return name
		}
	}
	return "small"
}

// Transcribe writes the chunk to a temp file, normalizes it and runs whisper over it
func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".wav"
	}

	inputPath := filepath.Join(wt.tempDir, fmt.Sprintf("chunk_%s%s", uuid.New().String(), ext))
	if err := os.WriteFile(inputPath, audio, 0644); err != nil {
		return "", fmt.Errorf("failed to write chunk: %w", err)
	}
	defer os.Remove(inputPath)

	normalizedPath, err := NormalizeAudio(ctx, wt.tempDir, inputPath)
	if err != nil {
		return "", fmt.Errorf("audio normalization failed: %w", err)
	}
	defer os.Remove(normalizedPath)

	wt.mu.Lock()
	defer wt.mu.Unlock()

	outputDir := filepath.Join(wt.tempDir, "whisper_"+uuid.New().String())
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	defer os.RemoveAll(outputDir)

	args := []string{"-m", "whisper",
		normalizedPath,
		"--model", wt.modelName,
		"--output_dir", outputDir,
		"--output_format", "json",
		"--fp16", "False", // CPU compatibility
	}
	if wt.language != "" {
		args = append(args, "--language", wt.language)
	}
	if wt.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(wt.threads))
	}

	cmd := exec.CommandContext(ctx, wt.whisperCmd, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w\nOutput: %s", err, string(output))
	}

	baseName := strings.TrimSuffix(filepath.Base(normalizedPath), filepath.Ext(normalizedPath))
	jsonData, err := os.ReadFile(filepath.Join(outputDir, baseName+".json"))
	if err != nil {
		return "", fmt.Errorf("failed to read whisper output: %w", err)
	}

	text, err := parseWhisperOutput(jsonData)
	if err != nil {
		return "", err
	}

	log.Printf("Whisper: transcribed %s (%d chars)", filename, len(text))
	return text, nil
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func parseWhisperOutput(data []byte) (string, error) {
	var out WhisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse whisper JSON: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" && len(out.Segments) > 0 {
		parts := make([]string, 0, len(out.Segments))
		for _, seg := range out.Segments {
			if t := strings.TrimSpace(seg.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, " ")
	}
	return text, nil
}
