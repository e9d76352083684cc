package cleanup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// SessionSweeper finds sessions that entered processing and never finished
type SessionSweeper interface {
	StaleProcessing(ctx context.Context, before time.Time) ([]string, error)
	GetSession(ctx context.Context, id string) (*types.RecordingSession, error)
	CountOpen(ctx context.Context) (int, error)
}

// Failer moves a session to failed and notifies its owner
type Failer interface {
	MarkFailed(ctx context.Context, sess *types.RecordingSession, cause error)
}

// Scheduler handles cleanup of temporary files and abandoned finalizations
type Scheduler struct {
	tempDir    string
	interval   time.Duration
	maxAge     time.Duration
	staleAfter time.Duration
	sessions   SessionSweeper
	failer     Failer
	metrics    *metrics.Metrics
	stopChan   chan struct{}
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(cfg config.CleanupConfig, tempDir string, sessions SessionSweeper, failer Failer, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		tempDir:    tempDir,
		interval:   time.Duration(cfg.IntervalMinutes) * time.Minute,
		maxAge:     time.Duration(cfg.MaxAgeHours) * time.Hour,
		staleAfter: cfg.GetStaleProcessingDuration(),
		sessions:   sessions,
		failer:     failer,
		metrics:    m,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the cleanup scheduler
func (s *Scheduler) Start() {
	// Sessions left in processing by a previous process are failed right away.
	log.Println("Running initial cleanup...")
	s.runOnce(context.Background())

	ticker := time.NewTicker(s.interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.runOnce(context.Background())
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Cleanup scheduler started (interval: %s, max age: %s, stale processing: %s)",
		s.interval, s.maxAge, s.staleAfter)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	log.Println("Cleanup scheduler stopped")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.cleanOldFiles()
	s.failStaleSessions(ctx)

	if n, err := s.sessions.CountOpen(ctx); err == nil {
		s.metrics.SetOpenSessions(n)
	}
}

// cleanOldFiles removes files older than maxAge from the temp directory
func (s *Scheduler) cleanOldFiles() {
	now := time.Now()

	var deletedCount int
	var deletedSize int64

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}

		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age > s.maxAge {
			size := info.Size()
			if err := os.Remove(path); err != nil {
				log.Printf("Failed to delete old file %s: %v", path, err)
			} else {
				deletedCount++
				deletedSize += size
				log.Printf("Deleted old temp file: %s (age: %s, size: %dKB)",
					filepath.Base(path), age.Round(time.Hour), size/1024)
			}
		}

		return nil
	})

	if err != nil {
		log.Printf("Error during cleanup: %v", err)
	}

	if deletedCount > 0 {
		log.Printf("Cleanup complete: %d files deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
}

// failStaleSessions fails sessions whose finalize was interrupted, usually by a restart
func (s *Scheduler) failStaleSessions(ctx context.Context) {
	ids, err := s.sessions.StaleProcessing(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		log.Printf("Error listing stale sessions: %v", err)
		return
	}

	for _, id := range ids {
		sess, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			log.Printf("Session %s: failed to load stale session: %v", id, err)
			continue
		}
		log.Printf("Session %s: stuck in processing since %s, marking failed",
			id, sess.UpdatedAt.Format(time.RFC3339))
		s.failer.MarkFailed(ctx, sess,
			fmt.Errorf("finalization interrupted; no progress for %s", s.staleAfter))
	}
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string) error {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return err
	}
	log.Printf("Temp directory ready: %s", tempDir)
	return nil
}
