package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/recorder"
	"github.com/codebuildervaibhav/session-transcription/internal/tui"
	"github.com/codebuildervaibhav/session-transcription/internal/types"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	configPath := flag.String("config", "config/recorder.yaml", "path to the recorder configuration file")
	title := flag.String("title", "", "title of the recording")
	language := flag.String("language", "", "language hint for the formatter")
	flag.Parse()

	cfg, err := config.LoadRecorder(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// The terminal belongs to the UI, so logs go to a file
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create state directory: %v\n", err)
		os.Exit(1)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.StateDir, "recorder.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log.SetOutput(logFile)

	client := recorder.NewClient(cfg.ServerURL, cfg.OwnerID, cfg.Upload.GetRequestTimeout())
	capture := recorder.NewFFmpegCapture(cfg.Capture)
	resumeStore := recorder.NewResumeStore(cfg.StateDir)

	spec := types.FormatSpec{Style: cfg.Format, Title: *title, Language: *language}

	controller := recorder.NewController(recorder.ControllerConfig{
		ChunkTarget: cfg.Chunking.GetTargetDuration(),
		SampleRate:  cfg.Capture.SampleRate,
		Queue: recorder.QueueConfig{
			MaxRetries:   cfg.Upload.MaxRetries,
			InitialDelay: cfg.Upload.GetInitialDelay(),
			MaxDelay:     cfg.Upload.GetMaxDelay(),
		},
		StopWait:      cfg.Upload.GetStopWait(),
		ProbeInterval: cfg.Upload.GetProbeInterval(),
		TickInterval:  250 * time.Millisecond,
		PollInterval:  time.Second,
		ResultTimeout: 10 * time.Minute,
		DefaultSpec:   types.FormatSpec{Style: cfg.Format},
	}, client, capture, resumeStore)

	pending, err := resumeStore.Load()
	if err != nil {
		log.Printf("Ignoring unreadable resume record: %v", err)
		resumeStore.Clear()
		pending = nil
	}
	if pending != nil {
		log.Printf("Session %s: found resume record at chunk %d", pending.SessionID, pending.ChunkIndex)
	}

	log.Printf("Recorder starting (server %s, owner %s)", cfg.ServerURL, cfg.OwnerID)

	p := tea.NewProgram(tui.New(controller, spec, pending), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch controller.State() {
	case recorder.StatePaused:
		// Give the background pause notification a moment before exiting
		time.Sleep(500 * time.Millisecond)
	case recorder.StateProcessing:
		fmt.Fprintln(os.Stderr, "Sending the remaining chunks before exiting...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Upload.GetStopWait()+time.Minute)
		if err := controller.WaitFinalizeRequested(ctx); err != nil {
			log.Printf("Exiting before the finalize request was sent: %v", err)
			fmt.Fprintln(os.Stderr, "The session will be offered for finalizing on the next launch.")
		}
		cancel()
	}
	log.Printf("Recorder exited")
}
