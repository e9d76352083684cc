package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RecorderConfig represents the recorder client configuration
type RecorderConfig struct {
	ServerURL string        `yaml:"server_url"`
	OwnerID   string        `yaml:"owner_id"`
	StateDir  string        `yaml:"state_dir"`
	Capture   CaptureConfig `yaml:"capture"`
	Chunking  ChunkConfig   `yaml:"chunking"`
	Upload    UploadConfig  `yaml:"upload"`
	Format    string        `yaml:"format"`
}

// CaptureConfig describes how ffmpeg opens the input device
type CaptureConfig struct {
	FFmpegPath string   `yaml:"ffmpeg_path"`
	InputArgs  []string `yaml:"input_args"`
	SampleRate int      `yaml:"sample_rate"`
}

// ChunkConfig sets the segment length
type ChunkConfig struct {
	TargetSeconds int `yaml:"target_seconds"`
}

// UploadConfig tunes retry, backoff and network probing
type UploadConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	InitialDelayMs   int `yaml:"initial_delay_ms"`
	MaxDelayMs       int `yaml:"max_delay_ms"`
	RequestTimeout   int `yaml:"request_timeout"` // seconds
	StopWaitSeconds  int `yaml:"stop_wait_seconds"`
	ProbeIntervalSec int `yaml:"probe_interval_seconds"`
}

// DefaultRecorder returns the recorder configuration used when a key is absent
func DefaultRecorder() *RecorderConfig {
	stateDir := ".recorder"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".session-recorder")
	}
	return &RecorderConfig{
		ServerURL: "http://localhost:8080",
		StateDir:  stateDir,
		Capture: CaptureConfig{
			FFmpegPath: "ffmpeg",
			InputArgs:  []string{"-f", "pulse", "-i", "default"},
			SampleRate: 16000,
		},
		Chunking: ChunkConfig{TargetSeconds: 20},
		Upload: UploadConfig{
			MaxRetries:       5,
			InitialDelayMs:   1000,
			MaxDelayMs:       30000,
			RequestTimeout:   60,
			StopWaitSeconds:  60,
			ProbeIntervalSec: 5,
		},
		Format: "notes",
	}
}

// LoadRecorder reads the recorder configuration; a missing file yields the defaults
func LoadRecorder(path string) (*RecorderConfig, error) {
	cfg := DefaultRecorder()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the recorder configuration
func (r *RecorderConfig) Validate() error {
	if r.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}

	if r.OwnerID == "" {
		return fmt.Errorf("owner_id cannot be empty")
	}

	if r.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}

	if r.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture: sample_rate must be positive, got %d", r.Capture.SampleRate)
	}

	if r.Chunking.TargetSeconds < 1 {
		return fmt.Errorf("chunking: target_seconds must be at least 1, got %d", r.Chunking.TargetSeconds)
	}

	if r.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload: max_retries cannot be negative, got %d", r.Upload.MaxRetries)
	}

	if r.Upload.InitialDelayMs < 1 || r.Upload.MaxDelayMs < r.Upload.InitialDelayMs {
		return fmt.Errorf("upload: need 0 < initial_delay_ms <= max_delay_ms, got %d and %d",
			r.Upload.InitialDelayMs, r.Upload.MaxDelayMs)
	}

	return nil
}

// GetTargetDuration returns the chunk target length
func (c *ChunkConfig) GetTargetDuration() time.Duration {
	return time.Duration(c.TargetSeconds) * time.Second
}

// GetInitialDelay returns the first backoff delay
func (u *UploadConfig) GetInitialDelay() time.Duration {
	return time.Duration(u.InitialDelayMs) * time.Millisecond
}

// GetMaxDelay returns the backoff ceiling
func (u *UploadConfig) GetMaxDelay() time.Duration {
	return time.Duration(u.MaxDelayMs) * time.Millisecond
}

// GetRequestTimeout returns the per-request HTTP timeout
func (u *UploadConfig) GetRequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeout) * time.Second
}

// GetStopWait returns how long stop waits for pending uploads
func (u *UploadConfig) GetStopWait() time.Duration {
	return time.Duration(u.StopWaitSeconds) * time.Second
}

// GetProbeInterval returns the network probe period
func (u *UploadConfig) GetProbeInterval() time.Duration {
	return time.Duration(u.ProbeIntervalSec) * time.Second
}
