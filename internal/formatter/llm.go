package formatter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// LLMConfig configures the chat-completions formatter
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// LLMFormatter asks an OpenAI-compatible chat model to write the document
type LLMFormatter struct {
	config     LLMConfig
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

var stylePrompts = map[string]string{
	"notes":      "Turn the transcript into concise meeting notes with a summary, key points and action items.",
	"summary":    "Summarize the transcript in a few short paragraphs.",
	"transcript": "Clean up the transcript: fix punctuation and split it into paragraphs without changing the wording.",
}

// NewLLMFormatter creates a new chat-completions formatter
func NewLLMFormatter(config LLMConfig) (*LLMFormatter, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	return &LLMFormatter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Format sends the transcript to the model. The first markdown heading of the reply becomes
// the title unless the caller supplied one.
func (f *LLMFormatter) Format(ctx context.Context, transcript string, spec types.FormatSpec) (types.Document, error) {
	instruction, ok := stylePrompts[spec.Style]
	if !ok {
		instruction = stylePrompts["notes"]
	}
	system := instruction + " Reply in Markdown and start with a level-one heading containing a short title."
	if spec.Language != "" {
		system += " Write in " + spec.Language + "."
	}

	payload, err := json.Marshal(chatRequest{
		Model: f.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: transcript},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.config.APIKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return types.Document{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.Document{}, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return types.Document{}, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return types.Document{}, fmt.Errorf("model returned no content")
	}

	content := strings.TrimSpace(out.Choices[0].Message.Content)
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = headingTitle(content)
	}
	if title == "" {
		title = defaultTitle(spec, time.Now())
	}

	return types.Document{Title: title, Content: content + "\n"}, nil
}

func headingTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}
