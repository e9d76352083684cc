package finalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/session-transcription/internal/formatter"
	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/notify"
	"github.com/codebuildervaibhav/session-transcription/internal/quota"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Store is the part of the session store finalization needs
type Store interface {
	GetSession(ctx context.Context, id string) (*types.RecordingSession, error)
	TranscriptLength(ctx context.Context, sessionID string) (int, error)
	AllChunksArrived(ctx context.Context, sessionID string) (bool, error)
	BeginProcessing(ctx context.Context, sessionID string, finalDuration float64) (*types.RecordingSession, error)
	CreateLegacySession(ctx context.Context, id, ownerID, title string,
		chunks []types.TranscribedChunk, duration float64) (*types.RecordingSession, error)
	Complete(ctx context.Context, sessionID string, doc types.Document, localPath, gdriveURL string) error
	Fail(ctx context.Context, sessionID, message string) error
}

// DocumentSaver writes the finished document to local disk
type DocumentSaver interface {
	SaveDocument(sess *types.RecordingSession, doc types.Document) (string, error)
}

// DriveUploader mirrors the finished document to Google Drive
type DriveUploader interface {
	Upload(ctx context.Context, sess *types.RecordingSession, doc types.Document) (string, error)
}

// Deps are the collaborators of a Finalizer. Ledger, Notifier, Local and Drive are optional.
type Deps struct {
	Store     Store
	Formatter formatter.Formatter
	Ledger    quota.Ledger
	Notifier  notify.Notifier
	Local     DocumentSaver
	Drive     DriveUploader
	Metrics   *metrics.Metrics
}

// Finalizer runs the seal tail for chunked and legacy sessions
type Finalizer struct {
	Deps
	stabilizer *Stabilizer
	inflight   sync.Map // session id -> struct{}
	driveRetry time.Duration
}

// NewFinalizer creates a new finalizer
func NewFinalizer(deps Deps, stabilizer *Stabilizer) *Finalizer {
	return &Finalizer{
		Deps:       deps,
		stabilizer: stabilizer,
		driveRetry: time.Second,
	}
}

// Finalize waits for the transcript to converge, seals it and produces the document.
// Of two concurrent calls for the same session exactly one seals; the other gets a ConflictError.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string, finalDuration float64, spec types.FormatSpec) error {
	if _, busy := f.inflight.LoadOrStore(sessionID, struct{}{}); busy {
		f.Metrics.FinalizeConflicts.Inc()
		log.Printf("Session %s: finalize already running, ignoring duplicate request", sessionID)
		return &types.ConflictError{SessionID: sessionID, Status: types.StatusProcessing}
	}
	defer f.inflight.Delete(sessionID)

	sess, err := f.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.IsOpen() {
		f.Metrics.FinalizeConflicts.Inc()
		return &types.ConflictError{SessionID: sessionID, Status: sess.Status}
	}

	log.Printf("Session %s: finalize requested (client duration %.1fs), waiting for transcript to settle",
		sessionID, finalDuration)

	outcome, err := f.stabilizer.Wait(ctx, sessionID,
		func(ctx context.Context) (int, error) { return f.Store.TranscriptLength(ctx, sessionID) },
		func(ctx context.Context) (bool, error) { return f.Store.AllChunksArrived(ctx, sessionID) },
	)
	var timeout *types.ConvergenceTimeout
	switch {
	case errors.As(err, &timeout):
		f.Metrics.RecordConvergence(outcome.Waited.Seconds(), true)
	case err != nil:
		return fmt.Errorf("convergence failed: %w", err)
	default:
		f.Metrics.RecordConvergence(outcome.Waited.Seconds(), false)
		log.Printf("Session %s: transcript settled at %d chars after %d samples (fast path: %v)",
			sessionID, outcome.Length, outcome.Samples, outcome.FastPath)
	}

	sealed, err := f.Store.BeginProcessing(ctx, sessionID, finalDuration)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			f.Metrics.FinalizeConflicts.Inc()
			log.Printf("Session %s: lost the seal race, nothing to do", sessionID)
		}
		return err
	}

	return f.completeSealed(ctx, sealed, spec)
}

// PrepareLegacy stores pre-transcribed chunks as a new session that is already sealed
func (f *Finalizer) PrepareLegacy(ctx context.Context, ownerID string, chunks []types.TranscribedChunk,
	duration float64, spec types.FormatSpec) (*types.RecordingSession, error) {

	sorted := append([]types.TranscribedChunk(nil), chunks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	sess, err := f.Store.CreateLegacySession(ctx, uuid.New().String(), ownerID, spec.Title, sorted, duration)
	if err != nil {
		return nil, err
	}

	log.Printf("Session %s: legacy finalize with %d pre-transcribed chunks", sess.ID, len(sorted))
	return sess, nil
}

// CompleteLegacy runs the seal tail for a session created by PrepareLegacy
func (f *Finalizer) CompleteLegacy(ctx context.Context, sessionID string, spec types.FormatSpec) error {
	sess, err := f.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != types.StatusProcessing {
		return &types.ConflictError{SessionID: sessionID, Status: sess.Status}
	}
	return f.completeSealed(ctx, sess, spec)
}

// FinalizeLegacy bypasses convergence entirely since every chunk is already present
func (f *Finalizer) FinalizeLegacy(ctx context.Context, ownerID string, chunks []types.TranscribedChunk,
	duration float64, spec types.FormatSpec) (*types.RecordingSession, error) {

	sess, err := f.PrepareLegacy(ctx, ownerID, chunks, duration, spec)
	if err != nil {
		return nil, err
	}
	if err := f.completeSealed(ctx, sess, spec); err != nil {
		return sess, err
	}
	return f.Store.GetSession(ctx, sess.ID)
}

// MarkFailed moves a processing session to failed and tells the owner
func (f *Finalizer) MarkFailed(ctx context.Context, sess *types.RecordingSession, cause error) {
	if err := f.Store.Fail(ctx, sess.ID, cause.Error()); err != nil {
		log.Printf("Session %s: failed to record failure: %v", sess.ID, err)
		return
	}
	f.Metrics.FinalizeFailed.Inc()
	f.notify(sess.OwnerID, notify.Notification{
		Type:      notify.EventFailed,
		SessionID: sess.ID,
		Message:   cause.Error(),
	})
}

// completeSealed accounts quota, formats, exports and records the terminal state
func (f *Finalizer) completeSealed(ctx context.Context, sess *types.RecordingSession, spec types.FormatSpec) error {
	f.accountQuota(ctx, sess)

	if spec.Title == "" {
		spec.Title = sess.Title
	}

	doc, err := f.Formatter.Format(ctx, sess.Transcript, spec)
	if err != nil {
		ferr := &types.FormattingError{Err: err}
		log.Printf("Session %s: %v", sess.ID, ferr)
		f.MarkFailed(ctx, sess, ferr)
		return ferr
	}

	localPath, driveURL := f.export(ctx, sess, doc)

	if err := f.Store.Complete(ctx, sess.ID, doc, localPath, driveURL); err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	f.Metrics.FinalizeCompleted.Inc()
	log.Printf("Session %s: completed %q (%.1fs, local: %s, gdrive: %s)",
		sess.ID, doc.Title, sess.DurationSeconds, localPath, driveURL)

	f.notify(sess.OwnerID, notify.Notification{
		Type:      notify.EventCompleted,
		SessionID: sess.ID,
		Message:   doc.Title,
	})
	return nil
}

// accountQuota charges the session's final duration exactly once; a denial is logged only
func (f *Finalizer) accountQuota(ctx context.Context, sess *types.RecordingSession) {
	if f.Ledger == nil {
		return
	}
	minutes := quota.MinutesFor(sess.DurationSeconds)
	if minutes == 0 {
		return
	}

	allowed, err := f.Ledger.CheckAndReserve(ctx, sess.OwnerID, minutes)
	switch {
	case err != nil:
		log.Printf("Session %s: quota accounting failed: %v", sess.ID, err)
	case !allowed:
		log.Printf("Session %s: %v", sess.ID, &types.QuotaError{OwnerID: sess.OwnerID, Minutes: minutes})
	}
}

// export saves locally and to Drive; failures leave the document in the database only
func (f *Finalizer) export(ctx context.Context, sess *types.RecordingSession, doc types.Document) (string, string) {
	var localPath, driveURL string

	if f.Local != nil {
		path, err := f.Local.SaveDocument(sess, doc)
		if err != nil {
			log.Printf("Session %s: local save failed: %v", sess.ID, err)
		} else {
			localPath = path
		}
	}

	if f.Drive != nil {
		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			driveURL, err = f.Drive.Upload(ctx, sess, doc)
			if err == nil {
				break
			}
			log.Printf("Session %s: Google Drive upload attempt %d/3 failed: %v", sess.ID, attempt, err)
			if attempt < 3 {
				select {
				case <-time.After(time.Duration(attempt*attempt) * f.driveRetry):
				case <-ctx.Done():
					return localPath, ""
				}
			}
		}
		if err != nil {
			log.Printf("Session %s: WARNING - Google Drive upload failed after 3 attempts, continuing with local save only", sess.ID)
			driveURL = ""
		}
	}

	return localPath, driveURL
}

func (f *Finalizer) notify(ownerID string, n notify.Notification) {
	if f.Notifier == nil {
		return
	}
	f.Notifier.Notify(ownerID, n)
}
