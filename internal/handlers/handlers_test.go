package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codebuildervaibhav/session-transcription/internal/finalize"
	"github.com/codebuildervaibhav/session-transcription/internal/ingest"
	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/queue"
	"github.com/codebuildervaibhav/session-transcription/internal/storage"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

type fakeTranscriber struct {
	fail error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	return "text of " + string(audio), nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	full bool
}

func (q *fakeQueue) EnqueueJob(job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return queue.ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type denyingLedger struct{}

func (denyingLedger) CheckAndReserve(ctx context.Context, ownerID string, minutes int) (bool, error) {
	return false, nil
}

type testServer struct {
	app         *fiber.App
	store       *storage.SessionStore
	queue       *fakeQueue
	transcriber *fakeTranscriber
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	ts := &testServer{
		app:         fiber.New(),
		store:       store,
		queue:       &fakeQueue{},
		transcriber: &fakeTranscriber{},
	}

	fin := finalize.NewFinalizer(finalize.Deps{Store: store, Metrics: m}, nil)
	routes := &Routes{
		Sessions: NewSessionHandler(store, nil, nil, m),
		Chunks:   NewChunkHandler(ingest.NewService(store, ts.transcriber, m), 1),
		Finalize: NewFinalizeHandler(store, fin, ts.queue),
	}
	routes.Register(ts.app)
	return ts
}

func (ts *testServer) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := ts.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(body) > 0 {
		json.Unmarshal(body, &out)
	}
	return resp.StatusCode, out
}

func jsonRequest(method, path, owner, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	return req
}

func chunkRequest(t *testing.T, owner string, fields map[string]string, filename, audio string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		fw.Write([]byte(audio))
	}
	w.Close()

	req := httptest.NewRequest("POST", "/api/chunks", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(ownerHeader, owner)
	return req
}

func (ts *testServer) start(t *testing.T, owner string) string {
	t.Helper()
	status, body := ts.do(t, jsonRequest("POST", "/api/sessions", owner, `{"title":"Standup"}`))
	if status != 201 {
		t.Fatalf("Expected 201, got %d: %v", status, body)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("Expected a session id")
	}
	return id
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")

	status, body := ts.do(t, jsonRequest("GET", "/api/sessions/"+id, "alice", ""))
	if status != 200 || body["status"] != "recording" || body["title"] != "Standup" {
		t.Fatalf("Unexpected session %d: %v", status, body)
	}

	status, body = ts.do(t, jsonRequest("POST", "/api/sessions/"+id+"/pause", "alice", `{"background":true}`))
	if status != 200 || body["status"] != "paused" {
		t.Fatalf("Unexpected pause response %d: %v", status, body)
	}

	status, body = ts.do(t, jsonRequest("POST", "/api/sessions/"+id+"/resume", "alice", ""))
	if status != 200 || body["status"] != "recording" {
		t.Fatalf("Unexpected resume response %d: %v", status, body)
	}

	status, body = ts.do(t, jsonRequest("GET", "/api/sessions", "alice", ""))
	if status != 200 || body["count"] != float64(1) {
		t.Fatalf("Unexpected list response %d: %v", status, body)
	}

	if status, _ := ts.do(t, jsonRequest("DELETE", "/api/sessions/"+id, "alice", "")); status != 204 {
		t.Fatalf("Expected 204 on delete, got %d", status)
	}
	if status, _ := ts.do(t, jsonRequest("GET", "/api/sessions/"+id, "alice", "")); status != 404 {
		t.Errorf("Expected 404 after delete, got %d", status)
	}
}

func TestSessionAccessControl(t *testing.T) {
	ts := newTestServer(t)

	if status, body := ts.do(t, jsonRequest("POST", "/api/sessions", "", "")); status != 401 || body["code"] != "ERR_NO_OWNER" {
		t.Errorf("Expected 401 without owner, got %d: %v", status, body)
	}

	id := ts.start(t, "alice")
	status, body := ts.do(t, jsonRequest("GET", "/api/sessions/"+id, "mallory", ""))
	if status != 404 || body["code"] != "ERR_SESSION_NOT_FOUND" {
		t.Errorf("Expected other owners to get 404, got %d: %v", status, body)
	}
}

func TestStartSessionQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	app := fiber.New()
	app.Post("/api/sessions", NewSessionHandler(ts.store, denyingLedger{}, nil, m).Start)
	ts.app = app

	status, body := ts.do(t, jsonRequest("POST", "/api/sessions", "alice", ""))
	if status != 402 || body["code"] != "ERR_QUOTA_EXCEEDED" {
		t.Errorf("Expected 402, got %d: %v", status, body)
	}
}

func TestChunkUpload(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")

	fields := map[string]string{
		"session_id":     id,
		"chunk_index":    "0",
		"duration":       "20",
		"total_duration": "20",
	}

	status, body := ts.do(t, chunkRequest(t, "alice", fields, "chunk_0.wav", "hello"))
	if status != 200 || body["success"] != true || body["text"] != "text of hello" || body["duplicate"] != false {
		t.Fatalf("Unexpected chunk response %d: %v", status, body)
	}

	// Redelivery answers with the stored text.
	status, body = ts.do(t, chunkRequest(t, "alice", fields, "chunk_0.wav", "hello again"))
	if status != 200 || body["duplicate"] != true || body["text"] != "text of hello" {
		t.Fatalf("Expected duplicate response, got %d: %v", status, body)
	}

	sess, _ := ts.store.GetSession(context.Background(), id)
	if sess.Transcript != "text of hello" || sess.DurationSeconds != 20 {
		t.Errorf("Unexpected session state %q / %v", sess.Transcript, sess.DurationSeconds)
	}
}

func TestChunkUploadErrors(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")

	tests := []struct {
		name     string
		owner    string
		fields   map[string]string
		filename string
		audio    string
		status   int
		code     string
	}{
		{"no file", "alice", map[string]string{"session_id": id, "chunk_index": "0"}, "", "", 400, "ERR_NO_FILE"},
		{"bad format", "alice", map[string]string{"session_id": id, "chunk_index": "0"}, "chunk.txt", "x", 400, "ERR_INVALID_FORMAT"},
		{"bad index", "alice", map[string]string{"session_id": id, "chunk_index": "first"}, "chunk.wav", "x", 400, "ERR_INVALID_CHUNK"},
		{"negative index", "alice", map[string]string{"session_id": id, "chunk_index": "-1"}, "chunk.wav", "x", 400, "ERR_INVALID_CHUNK"},
		{"bad is_last", "alice", map[string]string{"session_id": id, "chunk_index": "0", "is_last": "maybe"}, "chunk.wav", "x", 400, "ERR_INVALID_CHUNK"},
		{"too large", "alice", map[string]string{"session_id": id, "chunk_index": "0"}, "chunk.wav", strings.Repeat("x", 2<<20), 400, "ERR_FILE_TOO_LARGE"},
		{"unknown session", "alice", map[string]string{"session_id": "nope", "chunk_index": "0"}, "chunk.wav", "x", 404, "ERR_SESSION_NOT_FOUND"},
		{"other owner", "mallory", map[string]string{"session_id": id, "chunk_index": "0"}, "chunk.wav", "x", 404, "ERR_SESSION_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, chunkRequest(t, tt.owner, tt.fields, tt.filename, tt.audio))
			if status != tt.status || body["code"] != tt.code {
				t.Errorf("Expected %d %s, got %d: %v", tt.status, tt.code, status, body)
			}
		})
	}
}

func TestChunkTranscriptionFailure(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")
	ts.transcriber.fail = errors.New("model crashed")

	fields := map[string]string{"session_id": id, "chunk_index": "0", "duration": "20"}
	status, body := ts.do(t, chunkRequest(t, "alice", fields, "chunk_0.wav", "hello"))
	if status != 422 || body["code"] != "ERR_TRANSCRIPTION_FAILED" || body["success"] != false {
		t.Errorf("Expected 422, got %d: %v", status, body)
	}
}

func TestChunkAfterSealConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")
	if _, err := ts.store.BeginProcessing(context.Background(), id, 20); err != nil {
		t.Fatalf("BeginProcessing failed: %v", err)
	}

	fields := map[string]string{"session_id": id, "chunk_index": "0", "duration": "20"}
	status, body := ts.do(t, chunkRequest(t, "alice", fields, "chunk_0.wav", "late"))
	if status != 409 || body["code"] != "ERR_CONFLICT" || body["status"] != "processing" {
		t.Errorf("Expected 409, got %d: %v", status, body)
	}
}

func TestFinalizeQueuesJob(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")

	payload := `{"session_id":"` + id + `","duration_seconds":65,"format":{"style":"notes","title":"Weekly"}}`
	status, body := ts.do(t, jsonRequest("POST", "/api/finalize", "alice", payload))
	if status != 202 || body["session_id"] != id {
		t.Fatalf("Expected 202, got %d: %v", status, body)
	}

	if len(ts.queue.jobs) != 1 {
		t.Fatalf("Expected one job, got %d", len(ts.queue.jobs))
	}
	job := ts.queue.jobs[0]
	if job.Kind != queue.KindChunked || job.DurationSeconds != 65 || job.Spec.Title != "Weekly" || job.OwnerID != "alice" {
		t.Errorf("Unexpected job %+v", job)
	}
}

func TestFinalizeErrors(t *testing.T) {
	ts := newTestServer(t)
	id := ts.start(t, "alice")
	sealed := ts.start(t, "bob")
	ts.store.BeginProcessing(context.Background(), sealed, 10)

	tests := []struct {
		name    string
		owner   string
		payload string
		status  int
		code    string
	}{
		{"empty body", "alice", `{}`, 400, "ERR_INVALID_BODY"},
		{"negative duration", "alice", `{"session_id":"` + id + `","duration_seconds":-1}`, 400, "ERR_INVALID_DURATION"},
		{"unknown session", "alice", `{"session_id":"nope"}`, 404, "ERR_SESSION_NOT_FOUND"},
		{"other owner", "mallory", `{"session_id":"` + id + `"}`, 404, "ERR_SESSION_NOT_FOUND"},
		{"already sealed", "bob", `{"session_id":"` + sealed + `"}`, 409, "ERR_CONFLICT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, jsonRequest("POST", "/api/finalize", tt.owner, tt.payload))
			if status != tt.status || body["code"] != tt.code {
				t.Errorf("Expected %d %s, got %d: %v", tt.status, tt.code, status, body)
			}
		})
	}

	ts.queue.full = true
	status, body := ts.do(t, jsonRequest("POST", "/api/finalize", "alice", `{"session_id":"`+id+`"}`))
	if status != 503 || body["code"] != "ERR_QUEUE_FULL" {
		t.Errorf("Expected 503 on a full queue, got %d: %v", status, body)
	}
}

func TestLegacyFinalize(t *testing.T) {
	ts := newTestServer(t)

	payload := `{"duration_seconds":40,"format":{"title":"Old client"},"chunks":[{"index":1,"text":"world"},{"index":0,"text":"hello"}]}`
	status, body := ts.do(t, jsonRequest("POST", "/api/finalize", "carol", payload))
	if status != 202 {
		t.Fatalf("Expected 202, got %d: %v", status, body)
	}

	id, _ := body["session_id"].(string)
	sess, err := ts.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != types.StatusProcessing || sess.Source != types.SourceLegacy || sess.Transcript != "hello world" {
		t.Errorf("Unexpected legacy session %s/%s %q", sess.Status, sess.Source, sess.Transcript)
	}
	if len(ts.queue.jobs) != 1 || ts.queue.jobs[0].Kind != queue.KindLegacy {
		t.Errorf("Expected one legacy job, got %+v", ts.queue.jobs)
	}
}
