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

// State is the client-side lifecycle state of the current session
type State int

// Lifecycle states
const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateProcessing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RecoverChoice is the single action taken on a surviving ResumeRecord
type RecoverChoice int

// Recovery choices
const (
	RecoverResume RecoverChoice = iota
	RecoverFinalize
	RecoverDiscard
)

// ErrInvalidState is returned for a lifecycle action the current state does not allow
var ErrInvalidState = errors.New("invalid state for this action")

// API is the server surface the controller drives
type API interface {
	Uploader
	Prober
	StartSession(ctx context.Context, title string) (string, error)
	Pause(ctx context.Context, sessionID string, background bool) error
	Resume(ctx context.Context, sessionID string) error
	Finalize(ctx context.Context, sessionID string, duration float64, spec types.FormatSpec) error
	Delete(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*types.RecordingSession, error)
}

// ControllerConfig tunes chunking, delivery and finalize timing
type ControllerConfig struct {
	ChunkTarget   time.Duration
	SampleRate    int
	Queue         QueueConfig
	StopWait      time.Duration
	ProbeInterval time.Duration
	TickInterval  time.Duration
	PollInterval  time.Duration
	ResultTimeout time.Duration
	DefaultSpec   types.FormatSpec
}

// Snapshot is what status indicators render
type Snapshot struct {
	State      State
	Background bool
	SessionID  string
	Elapsed    time.Duration
	Queue      QueueStats
	LastError  string
	Result     *types.RecordingSession
}

// notice is a pause or resume notification for the server
type notice struct {
	pause      bool
	background bool
}

// session is everything owned by one active recording session
type session struct {
	id        string
	spec      types.FormatSpec
	segmenter *Segmenter
	queue     *UploadQueue
	monitor   *NetworkMonitor
	notices   chan notice
	cancel    context.CancelFunc
}

// Controller runs the recording lifecycle: idle, recording, paused, processing, completed or failed
type Controller struct {
	cfg     ControllerConfig
	api     API
	capture Capture
	resume  *ResumeStore
	now     func() time.Time

	// ops serializes lifecycle actions; mu guards the fields below and is never held across I/O
	ops sync.Mutex
	mu  sync.Mutex

	state        State
	background   bool
	sess         *session
	accumulated  time.Duration
	runningSince time.Time
	tickCancel   context.CancelFunc
	tickDone     chan struct{}
	lastErr      string
	result       *types.RecordingSession
	requested    chan struct{}
	finalized    chan struct{}
}

// NewController creates an idle controller
func NewController(cfg ControllerConfig, api API, capture Capture, resume *ResumeStore) *Controller {
	return &Controller{
		cfg:     cfg,
		api:     api,
		capture: capture,
		resume:  resume,
		now:     time.Now,
		state:   StateIdle,
	}
}

// Start opens the capture device, allocates a server session and begins recording
func (c *Controller) Start(ctx context.Context, spec types.FormatSpec) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if st := c.State(); st != StateIdle && st != StateCompleted && st != StateFailed {
		return fmt.Errorf("cannot start while %s: %w", st, ErrInvalidState)
	}

	seg := NewSegmenter("", c.cfg.ChunkTarget, c.cfg.SampleRate)
	seg.Reset(0, c.now())
	if err := c.capture.Start(seg); err != nil {
		return c.captureFailed(err)
	}

	id, err := c.api.StartSession(ctx, spec.Title)
	if err != nil {
		c.capture.Stop()
		c.setError(err)
		return fmt.Errorf("failed to start session: %w", err)
	}
	seg.mu.Lock()
	seg.sessionID = id
	seg.mu.Unlock()

	c.begin(id, spec, seg, 0)
	log.Printf("Session %s: recording", id)
	return nil
}

// Pause stops capture and flushes the partial chunk. The pause notification is best-effort.
func (c *Controller) Pause(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	switch st := c.State(); st {
	case StatePaused:
		return nil
	case StateRecording:
	default:
		return fmt.Errorf("cannot pause while %s: %w", st, ErrInvalidState)
	}

	sess := c.suspend()
	c.setState(StatePaused)
	c.notify(sess, notice{pause: true})

	log.Printf("Session %s: paused at %v", sess.id, c.Elapsed())
	return nil
}

// Background is the automatic pause for an app leaving the foreground. It also persists a
// ResumeRecord so a killed process can recover.
func (c *Controller) Background(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	switch st := c.State(); st {
	case StateRecording:
		c.suspend()
		c.setState(StatePaused)
	case StatePaused:
	default:
		return nil
	}

	c.mu.Lock()
	c.background = true
	sess := c.sess
	duration := c.accumulated
	c.mu.Unlock()

	rec := &ResumeRecord{
		SessionID:  sess.id,
		Duration:   duration.Seconds(),
		PausedAt:   c.now(),
		ChunkIndex: sess.segmenter.NextIndex(),
		Spec:       sess.spec,
	}
	if err := c.resume.Save(rec); err != nil {
		log.Printf("Session %s: failed to persist resume record: %v", sess.id, err)
		c.setError(err)
	}

	c.notify(sess, notice{pause: true, background: true})

	log.Printf("Session %s: backgrounded at chunk %d (%.1fs)", sess.id, rec.ChunkIndex, rec.Duration)
	return nil
}

// Resume reacquires capture and continues the timer from the accumulated duration
func (c *Controller) Resume(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if st := c.State(); st != StatePaused {
		return fmt.Errorf("cannot resume while %s: %w", st, ErrInvalidState)
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if err := c.capture.Start(sess.segmenter); err != nil {
		return c.captureFailed(err)
	}

	c.mu.Lock()
	c.background = false
	c.runningSince = c.now()
	c.state = StateRecording
	c.mu.Unlock()
	c.startTicker(sess)

	if err := c.resume.Clear(); err != nil {
		log.Printf("Session %s: %v", sess.id, err)
	}

	c.notify(sess, notice{})

	log.Printf("Session %s: resumed", sess.id)
	return nil
}

// Stop flushes the final chunk and hands the session to the server for finalization.
// It returns immediately; AwaitResult reports the outcome. The ResumeRecord is kept, marked
// finalizing, until the server has accepted the finalize request.
func (c *Controller) Stop(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	st := c.State()
	switch st {
	case StateRecording:
		c.stopTicker()
		c.releaseCapture()
		c.mu.Lock()
		c.accumulated += c.now().Sub(c.runningSince)
		c.mu.Unlock()
	case StatePaused:
	default:
		return fmt.Errorf("cannot stop while %s: %w", st, ErrInvalidState)
	}

	c.mu.Lock()
	sess := c.sess
	duration := c.accumulated.Seconds()
	c.mu.Unlock()

	chunk, err := sess.segmenter.FlushLast(c.now())
	if err != nil {
		log.Printf("Session %s: failed to encode final chunk: %v", sess.id, err)
	} else if chunk != nil {
		sess.queue.Enqueue(chunk, duration)
	}

	rec := &ResumeRecord{
		SessionID:  sess.id,
		Duration:   duration,
		PausedAt:   c.now(),
		ChunkIndex: sess.segmenter.NextIndex(),
		Spec:       sess.spec,
		Finalizing: true,
	}
	if err := c.resume.Save(rec); err != nil {
		log.Printf("Session %s: failed to persist resume record: %v", sess.id, err)
	}

	c.enterProcessing()
	go c.finalize(sess, duration)

	log.Printf("Session %s: stopped at %.1fs, finalizing", sess.id, duration)
	return nil
}

// Discard throws a paused session away: the server session is deleted and retries cancelled.
// If the delete fails the session stays paused so the discard can be retried.
func (c *Controller) Discard(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if st := c.State(); st != StatePaused {
		return fmt.Errorf("cannot discard while %s: %w", st, ErrInvalidState)
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if err := c.api.Delete(ctx, sess.id); err != nil && !errors.Is(err, types.ErrSessionNotFound) {
		c.setError(err)
		return fmt.Errorf("failed to delete session %s: %w", sess.id, err)
	}

	sess.queue.Close()
	sess.cancel()

	if err := c.resume.Clear(); err != nil {
		log.Printf("Session %s: %v", sess.id, err)
	}

	c.reset()
	log.Printf("Session %s: discarded", sess.id)
	return nil
}

// Recover applies exactly one recovery to a surviving ResumeRecord. The record is cleared
// once the chosen action has been carried out; for finalize that is when the server accepts it.
// A record left by Stop can only be finalized or discarded.
func (c *Controller) Recover(ctx context.Context, rec *ResumeRecord, choice RecoverChoice) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if st := c.State(); st != StateIdle {
		return fmt.Errorf("cannot recover while %s: %w", st, ErrInvalidState)
	}

	spec := rec.Spec
	if spec.Style == "" {
		spec.Style = c.cfg.DefaultSpec.Style
	}

	switch choice {
	case RecoverResume:
		if rec.Finalizing {
			return fmt.Errorf("session %s was already stopped: %w", rec.SessionID, ErrInvalidState)
		}
		seg := NewSegmenter(rec.SessionID, c.cfg.ChunkTarget, c.cfg.SampleRate)
		seg.Reset(rec.ChunkIndex, c.now())
		if err := c.capture.Start(seg); err != nil {
			return c.captureFailed(err)
		}
		duration := time.Duration(rec.Duration * float64(time.Second))
		c.begin(rec.SessionID, spec, seg, duration)

		if err := c.api.Resume(ctx, rec.SessionID); err != nil {
			log.Printf("Session %s: resume notification failed: %v", rec.SessionID, err)
		}
		log.Printf("Session %s: recovered, continuing at chunk %d", rec.SessionID, rec.ChunkIndex)

	case RecoverFinalize:
		if !rec.Finalizing {
			marked := *rec
			marked.Finalizing = true
			if err := c.resume.Save(&marked); err != nil {
				log.Printf("Session %s: failed to persist resume record: %v", rec.SessionID, err)
			}
		}

		c.mu.Lock()
		c.sess = &session{id: rec.SessionID, spec: spec, cancel: func() {}}
		c.accumulated = time.Duration(rec.Duration * float64(time.Second))
		sess := c.sess
		c.mu.Unlock()

		c.enterProcessing()
		go c.finalize(sess, rec.Duration)
		log.Printf("Session %s: recovered, finalizing %.1fs", rec.SessionID, rec.Duration)
		return nil

	case RecoverDiscard:
		if err := c.api.Delete(ctx, rec.SessionID); err != nil && !errors.Is(err, types.ErrSessionNotFound) {
			c.setError(err)
			return fmt.Errorf("failed to delete session %s: %w", rec.SessionID, err)
		}
		log.Printf("Session %s: recovered, discarded", rec.SessionID)

	default:
		return fmt.Errorf("unknown recovery choice %d", choice)
	}

	return c.resume.Clear()
}

// WaitFinalizeRequested blocks until the finalize request of the session being finalized has
// been answered, successfully or not. It returns nil when nothing is being finalized.
func (c *Controller) WaitFinalizeRequested(ctx context.Context) error {
	c.mu.Lock()
	requested := c.requested
	c.mu.Unlock()

	if requested == nil {
		return nil
	}
	select {
	case <-requested:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitResult blocks until the session being finalized reaches completed or failed
func (c *Controller) AwaitResult(ctx context.Context) (*types.RecordingSession, error) {
	c.mu.Lock()
	done := c.finalized
	c.mu.Unlock()

	if done == nil {
		return nil, fmt.Errorf("no session is being finalized: %w", ErrInvalidState)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil, errors.New(c.lastErr)
	}
	return c.result, nil
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns the recorded duration, excluding paused time
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

// Snapshot returns a consistent view for status indicators
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:      c.state,
		Background: c.background,
		Elapsed:    c.elapsedLocked(),
		LastError:  c.lastErr,
		Result:     c.result,
	}
	var q *UploadQueue
	if c.sess != nil {
		snap.SessionID = c.sess.id
		q = c.sess.queue
	}
	c.mu.Unlock()

	if q != nil {
		snap.Queue = q.Stats()
	} else {
		snap.Queue.Online = true
	}
	return snap
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.state == StateRecording {
		return c.accumulated + c.now().Sub(c.runningSince)
	}
	return c.accumulated
}

// begin wires a fresh queue, monitor and tick loop for a session and enters recording.
// seg is already numbered and receiving capture.
func (c *Controller) begin(id string, spec types.FormatSpec, seg *Segmenter, duration time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	var monitor *NetworkMonitor
	queue := NewUploadQueue(ctx, c.api, c.cfg.Queue, Callbacks{
		OnSuccess: func(index int, res *UploadResult) {
			if res.Duplicate {
				log.Printf("Session %s: chunk %d was already merged", id, index)
			}
		},
		OnRetry: func(index, retryCount int, delay time.Duration, err error) {
			monitor.ReportFailure(err)
			c.setError(fmt.Errorf("chunk %d retry %d in %v: %w", index, retryCount, delay, err))
		},
		OnFailure: func(err *types.DeliveryError) {
			c.setError(err)
		},
	})
	monitor = NewNetworkMonitor(c.api, queue, c.cfg.ProbeInterval)
	go monitor.Run(ctx)

	notices := make(chan notice, 16)
	go c.sendNotices(ctx, id, notices)

	sess := &session{
		id:        id,
		spec:      spec,
		segmenter: seg,
		queue:     queue,
		monitor:   monitor,
		notices:   notices,
		cancel:    cancel,
	}

	c.mu.Lock()
	c.sess = sess
	c.state = StateRecording
	c.background = false
	c.accumulated = duration
	c.runningSince = c.now()
	c.lastErr = ""
	c.result = nil
	c.requested = nil
	c.finalized = nil
	c.mu.Unlock()

	c.startTicker(sess)
}

// suspend stops the clock and capture, then enqueues whatever was buffered
func (c *Controller) suspend() *session {
	c.stopTicker()
	c.releaseCapture()

	c.mu.Lock()
	c.accumulated += c.now().Sub(c.runningSince)
	sess := c.sess
	total := c.accumulated.Seconds()
	c.mu.Unlock()

	chunk, err := sess.segmenter.Flush(c.now())
	if err != nil {
		log.Printf("Session %s: failed to encode chunk: %v", sess.id, err)
	} else if chunk != nil {
		sess.queue.Enqueue(chunk, total)
	}
	return sess
}

func (c *Controller) startTicker(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.tickCancel = cancel
	c.tickDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				chunk, err := sess.segmenter.Tick(c.now())
				if err != nil {
					log.Printf("Session %s: failed to encode chunk: %v", sess.id, err)
					continue
				}
				if chunk != nil {
					sess.queue.Enqueue(chunk, c.Elapsed().Seconds())
				}
			}
		}
	}()
}

func (c *Controller) stopTicker() {
	c.mu.Lock()
	cancel, done := c.tickCancel, c.tickDone
	c.tickCancel, c.tickDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Controller) releaseCapture() {
	if err := c.capture.Stop(); err != nil {
		log.Printf("Capture: stop failed: %v", err)
	}
}

func (c *Controller) enterProcessing() {
	c.mu.Lock()
	c.state = StateProcessing
	c.background = false
	c.requested = make(chan struct{})
	c.finalized = make(chan struct{})
	c.mu.Unlock()
}

// finalize waits for pending uploads, asks the server to seal, then polls for the result
func (c *Controller) finalize(sess *session, duration float64) {
	c.mu.Lock()
	requested, done := c.requested, c.finalized
	c.mu.Unlock()
	defer close(done)
	defer sess.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopWait+c.cfg.ResultTimeout)
	defer cancel()

	if sess.queue != nil {
		if err := sess.queue.WaitForAllPending(ctx, c.cfg.StopWait); err != nil {
			log.Printf("Session %s: finalizing without every chunk: %v", sess.id, err)
		}
		sess.queue.Close()
	}

	err := c.requestFinalize(ctx, sess, duration)
	var perm permanent
	switch {
	case err == nil, errors.As(err, &perm) && perm.Permanent():
		if cerr := c.resume.Clear(); cerr != nil {
			log.Printf("Session %s: %v", sess.id, cerr)
		}
	default:
		log.Printf("Session %s: keeping the resume record so the next launch can finalize", sess.id)
	}
	close(requested)

	if err != nil {
		c.fail(sess.id, err)
		return
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := c.api.GetSession(ctx, sess.id)
		switch {
		case err != nil:
			log.Printf("Session %s: status check failed: %v", sess.id, err)
		case result.Status == types.StatusCompleted:
			c.mu.Lock()
			c.state = StateCompleted
			c.result = result
			c.mu.Unlock()
			log.Printf("Session %s: completed", sess.id)
			return
		case result.Status == types.StatusFailed:
			c.fail(sess.id, errors.New(result.ErrorMessage))
			return
		}

		select {
		case <-ctx.Done():
			c.fail(sess.id, fmt.Errorf("gave up waiting for the document: %w", ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}

// requestFinalize retries transient failures with the upload backoff
func (c *Controller) requestFinalize(ctx context.Context, sess *session, duration float64) error {
	spec := sess.spec
	if spec.Style == "" {
		spec.Style = c.cfg.DefaultSpec.Style
	}

	var err error
	for attempt := 0; attempt <= c.cfg.Queue.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(BackoffDelay(attempt, c.cfg.Queue.InitialDelay, c.cfg.Queue.MaxDelay)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = c.api.Finalize(ctx, sess.id, duration, spec)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrConflict) {
			log.Printf("Session %s: already finalizing", sess.id)
			return nil
		}

		var perm permanent
		if errors.As(err, &perm) && perm.Permanent() {
			return err
		}
		log.Printf("Session %s: finalize request failed (attempt %d): %v", sess.id, attempt+1, err)
	}
	return err
}

func (c *Controller) fail(sessionID string, err error) {
	log.Printf("Session %s: failed: %v", sessionID, err)
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// notify queues a best-effort pause or resume notification without blocking the caller
func (c *Controller) notify(sess *session, n notice) {
	select {
	case sess.notices <- n:
	default:
		log.Printf("Session %s: notification backlog full, dropping %+v", sess.id, n)
	}
}

// sendNotices delivers notifications one at a time so the server sees them in order
func (c *Controller) sendNotices(ctx context.Context, sessionID string, notices <-chan notice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notices:
			c.sendNotice(ctx, sessionID, n)
		}
	}
}

func (c *Controller) sendNotice(ctx context.Context, sessionID string, n notice) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Queue.MaxDelay)
	defer cancel()

	if n.pause {
		if err := c.api.Pause(ctx, sessionID, n.background); err != nil {
			log.Printf("Session %s: pause notification failed: %v", sessionID, err)
		}
		return
	}
	if err := c.api.Resume(ctx, sessionID); err != nil {
		log.Printf("Session %s: resume notification failed: %v", sessionID, err)
	}
}

func (c *Controller) captureFailed(err error) error {
	var cerr *types.CaptureError
	if !errors.As(err, &cerr) {
		cerr = &types.CaptureError{Op: "start", Err: err}
	}
	c.setError(cerr)
	return cerr
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.background = false
	c.sess = nil
	c.accumulated = 0
	c.mu.Unlock()
}
