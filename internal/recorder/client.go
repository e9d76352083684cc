package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match server answers against the shared sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case types.ErrSessionNotFound:
		return e.StatusCode == http.StatusNotFound
	case types.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Permanent reports whether retrying the same request cannot succeed
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusPaymentRequired,
		http.StatusNotFound, http.StatusConflict, http.StatusRequestEntityTooLarge:
		return true
	}
	return false
}

// Client talks to the session server
type Client struct {
	baseURL string
	ownerID string
	client  *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, ownerID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ownerID: ownerID,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartSession allocates a new recording session
func (c *Client) StartSession(ctx context.Context, title string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusPaymentRequired {
			return "", &types.QuotaError{OwnerID: c.ownerID}
		}
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("server returned no session id")
	}
	return resp.SessionID, nil
}

// UploadChunk delivers one chunk as a multipart request
func (c *Client) UploadChunk(ctx context.Context, chunk *types.Chunk, totalDuration float64) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", fmt.Sprintf("chunk_%d.wav", chunk.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(chunk.Payload); err != nil {
		return nil, fmt.Errorf("failed to write chunk data: %w", err)
	}

	fields := map[string]string{
		"session_id":     chunk.SessionID,
		"chunk_index":    strconv.Itoa(chunk.Index),
		"duration":       strconv.FormatFloat(chunk.DurationSeconds, 'f', 3, 64),
		"total_duration": strconv.FormatFloat(totalDuration, 'f', 3, 64),
	}
	if chunk.IsLast {
		fields["is_last"] = "true"
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chunks", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp struct {
		Success   bool   `json:"success"`
		Text      string `json:"text"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &UploadResult{Text: resp.Text, Duplicate: resp.Duplicate}, nil
}

// Pause sends the pause notification
func (c *Client) Pause(ctx context.Context, sessionID string, background bool) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/pause",
		map[string]bool{"background": background}, nil)
}

// Resume moves the server session back to recording
func (c *Client) Resume(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/resume", nil, nil)
}

// Finalize asks the server to converge and seal the session
func (c *Client) Finalize(ctx context.Context, sessionID string, duration float64, spec types.FormatSpec) error {
	payload := map[string]any{
		"session_id":       sessionID,
		"duration_seconds": duration,
		"format":           spec,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/finalize", payload, nil)
}

// Delete discards the server session
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
}

// GetSession fetches the session status and, once completed, its document
func (c *Client) GetSession(ctx context.Context, sessionID string) (*types.RecordingSession, error) {
	var sess types.RecordingSession
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Health probes the server
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-Owner-ID", c.ownerID)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errBody struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
