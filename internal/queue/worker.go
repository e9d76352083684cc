// Package queue runs finalize jobs on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// ErrQueueFull is returned when the job buffer has no room left
var ErrQueueFull = errors.New("finalize queue is full")

// Finalizer is what the workers drive
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string, finalDuration float64, spec types.FormatSpec) error
	CompleteLegacy(ctx context.Context, sessionID string, spec types.FormatSpec) error
	MarkFailed(ctx context.Context, sess *types.RecordingSession, cause error)
}

// WorkerPool manages a pool of workers processing finalize jobs
type WorkerPool struct {
	jobQueue    chan *Job
	workerCount int
	finalizer   Finalizer
	metrics     *metrics.Metrics
	jobTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount, queueSize int, finalizer Finalizer, m *metrics.Metrics) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobQueue:    make(chan *Job, queueSize),
		workerCount: workerCount,
		finalizer:   finalizer,
		metrics:     m,
		jobTimeout:  5 * time.Minute,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start initializes all workers
func (wp *WorkerPool) Start() {
	log.Printf("Starting worker pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the queue, cancels running jobs and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.cancel()
	close(wp.jobQueue)
	wp.wg.Wait()
	log.Println("Worker pool stopped")
}

// EnqueueJob adds a job to the queue without blocking the request
func (wp *WorkerPool) EnqueueJob(job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	select {
	case wp.jobQueue <- job:
	default:
		return ErrQueueFull
	}

	wp.metrics.SetFinalizeQueueSize(len(wp.jobQueue))
	log.Printf("Job for session %s enqueued (kind: %s)", job.SessionID, job.Kind)
	return nil
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log.Printf("Worker %d started", id)

	for job := range wp.jobQueue {
		wp.metrics.SetFinalizeQueueSize(len(wp.jobQueue))

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Worker %d: PANIC processing session %s: %v\n%s",
						id, job.SessionID, r, string(debug.Stack()))
					job.Error = fmt.Errorf("worker panic: %v", r)
					wp.finalizer.MarkFailed(context.Background(),
						&types.RecordingSession{ID: job.SessionID, OwnerID: job.OwnerID}, job.Error)
				}
			}()

			wp.processJob(id, job)
		}()
	}
}

// processJob runs one finalize job to its terminal state
func (wp *WorkerPool) processJob(workerID int, job *Job) {
	log.Printf("Worker %d: Processing session %s (waited %s)",
		workerID, job.SessionID, time.Since(job.CreatedAt).Round(time.Millisecond))

	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	switch job.Kind {
	case KindLegacy:
		job.Error = wp.finalizer.CompleteLegacy(ctx, job.SessionID, job.Spec)
	default:
		job.Error = wp.finalizer.Finalize(ctx, job.SessionID, job.DurationSeconds, job.Spec)
	}

	switch {
	case job.Error == nil:
		log.Printf("Worker %d: Session %s finalized", workerID, job.SessionID)
	case errors.Is(job.Error, types.ErrConflict):
		log.Printf("Worker %d: Session %s already finalized elsewhere", workerID, job.SessionID)
	default:
		log.Printf("Worker %d: Session %s finalize failed: %v", workerID, job.SessionID, job.Error)
	}
}
