package finalize

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/notify"
	"github.com/codebuildervaibhav/session-transcription/internal/storage"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

type fakeFormatter struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	fail  error
}

func (f *fakeFormatter) Format(ctx context.Context, transcript string, spec types.FormatSpec) (types.Document, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return types.Document{}, f.fail
	}
	return types.Document{Title: spec.Title, Content: "# " + spec.Title + "\n\n" + transcript}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	charged map[string]int
	calls   int
	deny    bool
}

func (l *fakeLedger) CheckAndReserve(ctx context.Context, ownerID string, minutes int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.deny {
		return false, nil
	}
	if l.charged == nil {
		l.charged = make(map[string]int)
	}
	l.charged[ownerID] += minutes
	return true, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Notification
}

func (r *recordingNotifier) Notify(ownerID string, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

type harness struct {
	store     *storage.SessionStore
	finalizer *Finalizer
	formatter *fakeFormatter
	ledger    *fakeLedger
	notifier  *recordingNotifier
	outputDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSessionStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:     store,
		formatter: &fakeFormatter{},
		ledger:    &fakeLedger{},
		notifier:  &recordingNotifier{},
		outputDir: filepath.Join(dir, "outputs"),
	}
	h.finalizer = NewFinalizer(Deps{
		Store:     store,
		Formatter: h.formatter,
		Ledger:    h.ledger,
		Notifier:  h.notifier,
		Local:     storage.NewLocalStorage(h.outputDir),
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}, &Stabilizer{Interval: 5 * time.Millisecond, Timeout: 200 * time.Millisecond, StableSamples: 2})
	return h
}

func TestFinalizeThreeChunkScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.CreateSession(ctx, "s1", "alice", "Planning")
	texts := []string{"first part", "second part", "third part"}
	for i, text := range texts {
		if _, err := h.store.MergeChunk(ctx, "s1", i, text, 20, float64(20*(i+1)), false); err != nil {
			t.Fatalf("MergeChunk %d: %v", i, err)
		}
	}

	if err := h.finalizer.Finalize(ctx, "s1", 65, types.FormatSpec{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	sess, _ := h.store.GetSession(ctx, "s1")
	if sess.Status != types.StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", sess.Status, sess.ErrorMessage)
	}
	if sess.Transcript != "first part second part third part" {
		t.Errorf("Unexpected transcript %q", sess.Transcript)
	}
	if sess.DurationSeconds != 65 {
		t.Errorf("Expected durationSeconds 65, got %v", sess.DurationSeconds)
	}
	if sess.Title != "Planning" || !strings.Contains(sess.Document, "third part") {
		t.Errorf("Unexpected document %q / %q", sess.Title, sess.Document)
	}
	if sess.LocalPath == "" {
		t.Error("Expected local export path")
	}

	// 65 seconds bills two minutes, charged once.
	if h.ledger.calls != 1 || h.ledger.charged["alice"] != 2 {
		t.Errorf("Expected one 2-minute charge, got calls=%d charged=%v", h.ledger.calls, h.ledger.charged)
	}

	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != notify.EventCompleted {
		t.Errorf("Expected one completed notification, got %+v", h.notifier.events)
	}
}

func TestFinalizeWithPermanentlyFailedChunk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "zero", 20, 20, false)
	h.store.MergeChunk(ctx, "s1", 2, "two", 20, 60, false)

	if err := h.finalizer.Finalize(ctx, "s1", 60, types.FormatSpec{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	sess, _ := h.store.GetSession(ctx, "s1")
	if sess.Status != types.StatusCompleted {
		t.Fatalf("Expected completed despite the gap, got %s", sess.Status)
	}
	if sess.Transcript != "zero two" {
		t.Errorf("Expected transcript with a gap, got %q", sess.Transcript)
	}
}

func TestConcurrentFinalizeSealsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.formatter.delay = 20 * time.Millisecond

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "only chunk", 20, 20, false)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.finalizer.Finalize(ctx, "s1", 20, types.FormatSpec{})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, types.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("Expected one seal and one conflict, got %d and %d", ok, conflicts)
	}
	if h.formatter.calls != 1 {
		t.Errorf("Expected a single formatted document, got %d", h.formatter.calls)
	}
	if h.ledger.calls != 1 {
		t.Errorf("Expected a single quota charge, got %d", h.ledger.calls)
	}
}

func TestFinalizeFormattingFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.formatter.fail = errors.New("model unavailable")

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "words", 20, 20, false)

	err := h.finalizer.Finalize(ctx, "s1", 20, types.FormatSpec{})
	var ferr *types.FormattingError
	if !errors.As(err, &ferr) {
		t.Fatalf("Expected FormattingError, got %v", err)
	}

	sess, _ := h.store.GetSession(ctx, "s1")
	if sess.Status != types.StatusFailed {
		t.Errorf("Expected failed, got %s", sess.Status)
	}
	if !strings.Contains(sess.ErrorMessage, "model unavailable") {
		t.Errorf("Expected error retained, got %q", sess.ErrorMessage)
	}

	// A failed session never accepts merges again.
	if _, err := h.store.MergeChunk(ctx, "s1", 1, "late", 20, 40, false); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected conflict after failure, got %v", err)
	}

	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != notify.EventFailed {
		t.Errorf("Expected one failed notification, got %+v", h.notifier.events)
	}
}

func TestFinalizeQuotaDenialIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.deny = true

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "words", 20, 20, false)

	if err := h.finalizer.Finalize(ctx, "s1", 20, types.FormatSpec{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	sess, _ := h.store.GetSession(ctx, "s1")
	if sess.Status != types.StatusCompleted {
		t.Errorf("Expected completed, got %s", sess.Status)
	}
}

func TestFinalizeRejectsUnknownAndSealed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.finalizer.Finalize(ctx, "missing", 1, types.FormatSpec{}); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "words", 20, 20, false)
	if err := h.finalizer.Finalize(ctx, "s1", 20, types.FormatSpec{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := h.finalizer.Finalize(ctx, "s1", 20, types.FormatSpec{}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected conflict on second finalize, got %v", err)
	}
}

func TestFinalizeFastPathSkipsPolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.finalizer.stabilizer = &Stabilizer{Interval: time.Hour, Timeout: time.Hour, StableSamples: 2}

	h.store.CreateSession(ctx, "s1", "alice", "")
	h.store.MergeChunk(ctx, "s1", 0, "a", 20, 20, false)
	h.store.MergeChunk(ctx, "s1", 1, "b", 3, 23, true)

	done := make(chan error, 1)
	go func() { done <- h.finalizer.Finalize(ctx, "s1", 23, types.FormatSpec{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Finalize polled although every chunk had arrived")
	}
}

func TestFinalizeLegacy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chunks := []types.TranscribedChunk{
		{Index: 1, Text: "world"},
		{Index: 0, Text: "hello"},
	}
	sess, err := h.finalizer.FinalizeLegacy(ctx, "bob", chunks, 30, types.FormatSpec{Title: "Legacy"})
	if err != nil {
		t.Fatalf("FinalizeLegacy failed: %v", err)
	}

	if sess.Status != types.StatusCompleted || sess.Source != types.SourceLegacy {
		t.Errorf("Unexpected session %s/%s", sess.Status, sess.Source)
	}
	if sess.Transcript != "hello world" {
		t.Errorf("Expected ordered transcript, got %q", sess.Transcript)
	}
	if h.ledger.charged["bob"] != 1 {
		t.Errorf("Expected 1 minute charged, got %d", h.ledger.charged["bob"])
	}
}
