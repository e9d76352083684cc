package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// UploadResult is the server's answer to one chunk delivery
type UploadResult struct {
	Text      string
	Duplicate bool
}

// Uploader delivers one chunk to the ingestion endpoint
type Uploader interface {
	UploadChunk(ctx context.Context, chunk *types.Chunk, totalDuration float64) (*UploadResult, error)
}

// QueueConfig tunes retry and backoff
type QueueConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Callbacks observe delivery outcomes. They run on delivery goroutines and may be nil.
type Callbacks struct {
	OnSuccess func(index int, res *UploadResult)
	OnRetry   func(index, retryCount int, delay time.Duration, err error)
	OnFailure func(err *types.DeliveryError)
}

// PendingUpload is a chunk waiting for delivery
type PendingUpload struct {
	Chunk         *types.Chunk
	TotalDuration float64
	RetryCount    int
	CreatedAt     time.Time

	timer    *time.Timer
	inFlight bool
}

// QueueStats is a point-in-time view for status indicators
type QueueStats struct {
	Pending   int
	InFlight  int
	Delivered int
	Failed    int
	Online    bool
}

// permanent is implemented by delivery errors that no retry can fix
type permanent interface {
	Permanent() bool
}

// UploadQueue delivers the chunks of one session with retry, backoff and offline suspension
type UploadQueue struct {
	ctx      context.Context
	uploader Uploader
	cfg      QueueConfig
	cb       Callbacks

	mu        sync.Mutex
	pending   map[int]*PendingUpload
	texts     map[int]string
	online    bool
	closed    bool
	delivered int
	failed    int
	changed   chan struct{}
}

// NewUploadQueue creates a queue that starts online
func NewUploadQueue(ctx context.Context, uploader Uploader, cfg QueueConfig, cb Callbacks) *UploadQueue {
	return &UploadQueue{
		ctx:      ctx,
		uploader: uploader,
		cfg:      cfg,
		cb:       cb,
		pending:  make(map[int]*PendingUpload),
		texts:    make(map[int]string),
		online:   true,
		changed:  make(chan struct{}),
	}
}

// BackoffDelay returns the wait before retry number retryCount (1-based):
// initial * 2^(retryCount-1), capped at max
func BackoffDelay(retryCount int, initial, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 31 {
		return max
	}
	delay := initial << (retryCount - 1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Enqueue adds a chunk and attempts delivery right away when online. It never blocks on the network.
func (q *UploadQueue) Enqueue(chunk *types.Chunk, totalDuration float64) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, exists := q.pending[chunk.Index]; exists {
		q.mu.Unlock()
		return
	}
	q.pending[chunk.Index] = &PendingUpload{
		Chunk:         chunk,
		TotalDuration: totalDuration,
		RetryCount:    chunk.RetryCount,
		CreatedAt:     time.Now(),
	}
	q.mu.Unlock()

	q.attempt(chunk.Index)
}

// SetOnline records a network transition. Coming back online cancels every backoff timer
// and attempts all pending chunks immediately.
func (q *UploadQueue) SetOnline(online bool) {
	q.mu.Lock()
	if q.closed || q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online

	var indexes []int
	if online {
		for idx, p := range q.pending {
			if p.timer != nil {
				p.timer.Stop()
				p.timer = nil
			}
			indexes = append(indexes, idx)
		}
	}
	q.mu.Unlock()

	if online {
		log.Printf("Queue: back online, flushing %d pending chunk(s)", len(indexes))
	} else {
		log.Printf("Queue: offline, suspending delivery")
	}

	for _, idx := range indexes {
		q.attempt(idx)
	}
}

// WaitForAllPending blocks until nothing is pending or timeout elapses
func (q *UploadQueue) WaitForAllPending(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		n := len(q.pending)
		changed := q.changed
		q.mu.Unlock()

		if n == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("%d chunk(s) still pending after %v", n, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels scheduled retries. Calls already in flight complete but their results are ignored.
func (q *UploadQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, p := range q.pending {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	q.pending = make(map[int]*PendingUpload)
	q.signal()
}

// Stats returns the current counters
func (q *UploadQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Pending:   len(q.pending),
		Delivered: q.delivered,
		Failed:    q.failed,
		Online:    q.online,
	}
	for _, p := range q.pending {
		if p.inFlight {
			stats.InFlight++
		}
	}
	return stats
}

// Texts returns the transcribed text of every delivered chunk by index
func (q *UploadQueue) Texts() map[int]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[int]string, len(q.texts))
	for k, v := range q.texts {
		out[k] = v
	}
	return out
}

func (q *UploadQueue) attempt(index int) {
	q.mu.Lock()
	p, ok := q.pending[index]
	if !ok || q.closed || !q.online || p.inFlight {
		q.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.inFlight = true
	q.mu.Unlock()

	go q.deliver(p)
}

func (q *UploadQueue) deliver(p *PendingUpload) {
	res, err := q.uploader.UploadChunk(q.ctx, p.Chunk, p.TotalDuration)
	index := p.Chunk.Index

	q.mu.Lock()
	if q.closed || q.pending[index] != p {
		q.mu.Unlock()
		return
	}
	p.inFlight = false

	if err == nil {
		delete(q.pending, index)
		q.texts[index] = res.Text
		q.delivered++
		q.signal()
		q.mu.Unlock()

		if q.cb.OnSuccess != nil {
			q.cb.OnSuccess(index, res)
		}
		return
	}

	// A sealed session refusing a late chunk is a lost race, not a delivery failure
	if errors.Is(err, types.ErrConflict) {
		delete(q.pending, index)
		q.signal()
		q.mu.Unlock()
		log.Printf("Queue: chunk %d refused by a sealed session, dropping: %v", index, err)
		return
	}

	var perm permanent
	retryable := !(errors.As(err, &perm) && perm.Permanent())

	if retryable && p.RetryCount < q.cfg.MaxRetries {
		p.RetryCount++
		delay := BackoffDelay(p.RetryCount, q.cfg.InitialDelay, q.cfg.MaxDelay)
		retry := p.RetryCount
		p.timer = time.AfterFunc(delay, func() { q.attempt(index) })
		q.mu.Unlock()

		log.Printf("Queue: chunk %d failed (%v), retry %d/%d in %v", index, err, retry, q.cfg.MaxRetries, delay)
		if q.cb.OnRetry != nil {
			q.cb.OnRetry(index, retry, delay, err)
		}
		return
	}

	delete(q.pending, index)
	q.failed++
	q.signal()
	derr := &types.DeliveryError{Index: index, Attempts: p.RetryCount + 1, Err: err}
	q.mu.Unlock()

	log.Printf("Queue: %v", derr)
	if q.cb.OnFailure != nil {
		q.cb.OnFailure(derr)
	}
}

// signal wakes WaitForAllPending; mu must be held
func (q *UploadQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}
