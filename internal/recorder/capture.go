package recorder

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Capture streams raw PCM16 mono audio into a writer until stopped
type Capture interface {
	Start(w io.Writer) error
	Stop() error
}

// FFmpegCapture reads the input device through an ffmpeg subprocess
type FFmpegCapture struct {
	ffmpegPath string
	inputArgs  []string
	sampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan error
	stderr *bytes.Buffer
}

// NewFFmpegCapture creates a capture from configuration
func NewFFmpegCapture(cfg config.CaptureConfig) *FFmpegCapture {
	return &FFmpegCapture{
		ffmpegPath: cfg.FFmpegPath,
		inputArgs:  cfg.InputArgs,
		sampleRate: cfg.SampleRate,
	}
}

// Start spawns ffmpeg writing s16le samples to w
func (c *FFmpegCapture) Start(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return &types.CaptureError{Op: "start", Err: fmt.Errorf("capture already running")}
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, c.inputArgs...)
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.Command(c.ffmpegPath, args...)
	stderr := &bytes.Buffer{}
	cmd.Stdout = w
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &types.CaptureError{Op: "open", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Printf("Capture: ffmpeg exited: %v (%s)", err, strings.TrimSpace(stderr.String()))
		}
		done <- err
	}()

	// A missing device makes ffmpeg exit almost immediately.
	select {
	case err := <-done:
		msg := strings.TrimSpace(stderr.String())
		if err == nil {
			err = fmt.Errorf("ffmpeg exited immediately")
		}
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &types.CaptureError{Op: "open", Err: err}
	case <-time.After(200 * time.Millisecond):
	}

	c.cmd = cmd
	c.done = done
	c.stderr = stderr
	log.Printf("Capture: started %s %s", c.ffmpegPath, strings.Join(args, " "))
	return nil
}

// Stop interrupts ffmpeg and waits for it to drain into the writer
func (c *FFmpegCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}
	cmd, done := c.cmd, c.done
	c.cmd, c.done, c.stderr = nil, nil, nil

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
		<-done
	}

	log.Printf("Capture: stopped")
	return nil
}
