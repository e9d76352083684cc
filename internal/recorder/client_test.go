package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClientUploadChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chunks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Owner-ID"); got != "alice" {
			t.Errorf("X-Owner-ID = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}

		want := map[string]string{
			"session_id":     "s1",
			"chunk_index":    "3",
			"duration":       "30.000",
			"total_duration": "120.500",
			"is_last":        "true",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("field %s = %q, want %q", k, got, v)
			}
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "chunk_3.wav" || string(data) != "RIFF" {
			t.Errorf("file = %s %q", header.Filename, data)
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": "hello", "chunk_index": 3, "duplicate": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "alice", time.Second)
	chunk := &types.Chunk{SessionID: "s1", Index: 3, Payload: []byte("RIFF"), DurationSeconds: 30, IsLast: true}

	res, err := c.UploadChunk(context.Background(), chunk, 120.5)
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if res.Text != "hello" || !res.Duplicate {
		t.Errorf("result = %+v", res)
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions":
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"success": false, "error": "quota exceeded", "code": "ERR_QUOTA_EXCEEDED"})
		case "/api/sessions/missing":
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Session not found", "code": "ERR_SESSION_NOT_FOUND"})
		case "/api/finalize":
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "session is processing", "code": "ERR_CONFLICT"})
		default:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", time.Second)
	ctx := context.Background()

	_, err := c.StartSession(ctx, "standup")
	var quotaErr *types.QuotaError
	if !errors.As(err, &quotaErr) {
		t.Errorf("StartSession error = %v, want QuotaError", err)
	}

	_, err = c.GetSession(ctx, "missing")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("GetSession error = %v, want ErrSessionNotFound", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "ERR_SESSION_NOT_FOUND" || apiErr.Message != "Session not found" {
		t.Errorf("APIError = %+v", apiErr)
	}

	err = c.Finalize(ctx, "s1", 60, types.FormatSpec{Style: "notes"})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("Finalize error = %v, want ErrConflict", err)
	}

	err = c.Health(ctx)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Permanent() {
		t.Errorf("Health error = %v, want a transient 502", err)
	}
}

func TestClientSessionCalls(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path)

		switch {
		case r.URL.Path == "/api/sessions" && r.Method == http.MethodPost:
			writeJSON(w, http.StatusCreated, map[string]string{"session_id": "s1", "status": "recording"})
		case r.URL.Path == "/api/sessions/s1/pause":
			var body struct {
				Background bool `json:"background"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if !body.Background {
				t.Error("background flag not sent")
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
		case r.URL.Path == "/api/sessions/s1" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, types.RecordingSession{ID: "s1", Status: types.StatusCompleted, Document: "# Notes"})
		case r.URL.Path == "/api/finalize":
			var body struct {
				SessionID string           `json:"session_id"`
				Duration  float64          `json:"duration_seconds"`
				Format    types.FormatSpec `json:"format"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.SessionID != "s1" || body.Duration != 95 || body.Format.Style != "notes" {
				t.Errorf("finalize body = %+v", body)
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "finalizing"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", time.Second)
	ctx := context.Background()

	id, err := c.StartSession(ctx, "standup")
	if err != nil || id != "s1" {
		t.Fatalf("StartSession = %q, %v", id, err)
	}
	if err := c.Pause(ctx, id, true); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.Finalize(ctx, id, 95, types.FormatSpec{Style: "notes"}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sess, err := c.GetSession(ctx, id)
	if err != nil || sess.Status != types.StatusCompleted || sess.Document != "# Notes" {
		t.Fatalf("GetSession = %+v, %v", sess, err)
	}
	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []string{
		"POST /api/sessions",
		"POST /api/sessions/s1/pause",
		"POST /api/sessions/s1/resume",
		"POST /api/finalize",
		"GET /api/sessions/s1",
		"DELETE /api/sessions/s1",
	}
	if len(got) != len(want) {
		t.Fatalf("requests = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClientUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(url, "alice", time.Second).Health(context.Background())
	if !IsNetworkError(err) {
		t.Errorf("IsNetworkError(%v) = false", err)
	}
}
