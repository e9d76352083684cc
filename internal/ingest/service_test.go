package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/storage"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	fail  error
	texts map[string]string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	if text, ok := f.texts[string(audio)]; ok {
		return text, nil
	}
	return "text of " + string(audio), nil
}

func setup(t *testing.T) (*Service, *storage.SessionStore, *fakeTranscriber) {
	t.Helper()
	store, err := storage.NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tr := &fakeTranscriber{}
	svc := NewService(store, tr, metrics.NewMetrics(prometheus.NewRegistry()))
	return svc, store, tr
}

func chunk(session string, index int, total float64) Request {
	return Request{
		SessionID:       session,
		Index:           index,
		Audio:           []byte(fmt.Sprintf("chunk%d", index)),
		Filename:        fmt.Sprintf("chunk_%d.wav", index),
		SegmentDuration: 20,
		TotalDuration:   total,
	}
}

func TestIngestMergesInOrder(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "alice", "")

	for i := 0; i < 3; i++ {
		res, err := svc.Ingest(ctx, chunk("s1", i, float64(20*(i+1))))
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
		if res.Index != i || res.Duplicate {
			t.Errorf("Unexpected result %+v", res)
		}
	}

	sess, _ := store.GetSession(ctx, "s1")
	want := "text of chunk0 text of chunk1 text of chunk2"
	if sess.Transcript != want {
		t.Errorf("Expected %q, got %q", want, sess.Transcript)
	}
	if sess.LastChunkIndex != 2 || sess.DurationSeconds != 60 {
		t.Errorf("Unexpected bookkeeping: last=%d duration=%v", sess.LastChunkIndex, sess.DurationSeconds)
	}
}

func TestIngestRedeliverySkipsTranscription(t *testing.T) {
	svc, store, tr := setup(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "alice", "")

	if _, err := svc.Ingest(ctx, chunk("s1", 0, 20)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	before, _ := store.GetSession(ctx, "s1")

	res, err := svc.Ingest(ctx, chunk("s1", 0, 20))
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if !res.Duplicate || res.Text != "text of chunk0" {
		t.Errorf("Expected duplicate with stored text, got %+v", res)
	}
	if tr.calls != 1 {
		t.Errorf("Expected 1 transcription call, got %d", tr.calls)
	}

	after, _ := store.GetSession(ctx, "s1")
	if after.Transcript != before.Transcript {
		t.Errorf("Redelivery changed transcript from %q to %q", before.Transcript, after.Transcript)
	}
}

func TestIngestRejectsSealedSession(t *testing.T) {
	svc, store, tr := setup(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "alice", "")
	svc.Ingest(ctx, chunk("s1", 0, 20))
	store.BeginProcessing(ctx, "s1", 20)

	_, err := svc.Ingest(ctx, chunk("s1", 1, 40))
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected conflict, got %v", err)
	}
	if tr.calls != 1 {
		t.Errorf("Expected no transcription for sealed session, got %d calls", tr.calls)
	}

	sess, _ := store.GetSession(ctx, "s1")
	if sess.Transcript != "text of chunk0" {
		t.Errorf("Sealed transcript mutated: %q", sess.Transcript)
	}
}

func TestIngestTranscriptionFailure(t *testing.T) {
	svc, store, tr := setup(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "alice", "")

	tr.fail = errors.New("model crashed")
	_, err := svc.Ingest(ctx, chunk("s1", 0, 20))
	var terr *types.TranscriptionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TranscriptionError, got %v", err)
	}

	// Nothing merged, so a retry after recovery transcribes again.
	tr.fail = nil
	res, err := svc.Ingest(ctx, chunk("s1", 0, 20))
	if err != nil || res.Duplicate {
		t.Fatalf("Expected fresh merge on retry, got %+v, %v", res, err)
	}
}

func TestIngestEmptyTranscription(t *testing.T) {
	svc, store, tr := setup(t)
	ctx := context.Background()
	store.CreateSession(ctx, "s1", "alice", "")
	tr.texts = map[string]string{"chunk0": ""}

	_, err := svc.Ingest(ctx, chunk("s1", 0, 20))
	var terr *types.TranscriptionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TranscriptionError for empty text, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"missing session", Request{Index: 0, Audio: []byte("a")}},
		{"negative index", Request{SessionID: "s1", Index: -1, Audio: []byte("a")}},
		{"empty audio", Request{SessionID: "s1", Index: 0}},
		{"negative duration", Request{SessionID: "s1", Audio: []byte("a"), TotalDuration: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Ingest(ctx, tt.req); !errors.Is(err, ErrInvalidChunk) {
				t.Errorf("Expected ErrInvalidChunk, got %v", err)
			}
		})
	}

	if _, err := svc.Ingest(ctx, chunk("nope", 0, 20)); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
