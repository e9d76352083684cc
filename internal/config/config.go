// Package config loads the YAML configuration for the ingestion server and the recorder client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Formatter     FormatterConfig     `yaml:"formatter"`
	Convergence   ConvergenceConfig   `yaml:"convergence"`
	Workers       WorkersConfig       `yaml:"workers"`
	Storage       StorageConfig       `yaml:"storage"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Quota         QuotaConfig         `yaml:"quota"`
	GoogleDrive   GoogleDriveConfig   `yaml:"google_drive"`
	Limits        LimitsConfig        `yaml:"limits"`
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// TranscriptionConfig selects and configures the per-chunk transcription backend
type TranscriptionConfig struct {
	Backend   string `yaml:"backend"` // "whisper" or "openai"
	Model     string `yaml:"model"`
	ModelPath string `yaml:"model_path"`
	Threads   int    `yaml:"threads"`
	Language  string `yaml:"language"`
	APIKey    string `yaml:"api_key"`
	Endpoint  string `yaml:"endpoint"`
	Timeout   int    `yaml:"timeout"` // seconds
}

// FormatterConfig selects the document formatter
type FormatterConfig struct {
	Backend  string `yaml:"backend"` // "markdown" or "llm"
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// ConvergenceConfig tunes stabilization polling at finalize time
type ConvergenceConfig struct {
	IntervalMs    int `yaml:"interval_ms"`
	TimeoutMs     int `yaml:"timeout_ms"`
	StableSamples int `yaml:"stable_samples"`
}

// WorkersConfig sizes the finalize worker pool
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// StorageConfig contains filesystem and database locations
type StorageConfig struct {
	TempDir   string `yaml:"temp_dir"`
	OutputDir string `yaml:"output_dir"`
	Database  string `yaml:"database"`
}

// CleanupConfig drives the periodic temp and stale-session sweep
type CleanupConfig struct {
	IntervalMinutes   int `yaml:"interval_minutes"`
	MaxAgeHours       int `yaml:"max_age_hours"`
	StaleProcessingMn int `yaml:"stale_processing_minutes"`
}

// QuotaConfig sets the monthly per-owner recording allowance
type QuotaConfig struct {
	MonthlyMinutes int `yaml:"monthly_minutes"`
}

// GoogleDriveConfig enables exporting finished documents to Drive
type GoogleDriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	FolderName      string `yaml:"folder_name"`
}

// LimitsConfig bounds request sizes
type LimitsConfig struct {
	MaxChunkSizeMB int `yaml:"max_chunk_size_mb"`
}

// Load reads, defaults and validates the server configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the server configuration used when a key is absent from the file
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0"},
		Transcription: TranscriptionConfig{
			Backend:   "whisper",
			ModelPath: "models/ggml-small.bin",
			Threads:   4,
			Language:  "en",
			Endpoint:  "https://api.openai.com/v1/audio/transcriptions",
			Model:     "whisper-1",
			Timeout:   120,
		},
		Formatter: FormatterConfig{
			Backend:  "markdown",
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
			Timeout:  120,
		},
		Convergence: ConvergenceConfig{IntervalMs: 1000, TimeoutMs: 15000, StableSamples: 2},
		Workers:     WorkersConfig{Count: 2, QueueSize: 100},
		Storage: StorageConfig{
			TempDir:   "temp",
			OutputDir: "outputs",
			Database:  "sessions.db",
		},
		Cleanup: CleanupConfig{IntervalMinutes: 30, MaxAgeHours: 24, StaleProcessingMn: 30},
		Quota:   QuotaConfig{MonthlyMinutes: 600},
		GoogleDrive: GoogleDriveConfig{
			CredentialsFile: "config/credentials.json",
			TokenFile:       "config/token.json",
			FolderName:      "Transcripts",
		},
		Limits: LimitsConfig{MaxChunkSizeMB: 25},
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Formatter.Validate(); err != nil {
		return fmt.Errorf("formatter config: %w", err)
	}

	if err := c.Convergence.Validate(); err != nil {
		return fmt.Errorf("convergence config: %w", err)
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers: count must be at least 1, got %d", c.Workers.Count)
	}

	if c.Storage.Database == "" {
		return fmt.Errorf("storage: database cannot be empty")
	}

	if c.Quota.MonthlyMinutes < 0 {
		return fmt.Errorf("quota: monthly_minutes cannot be negative, got %d", c.Quota.MonthlyMinutes)
	}

	if c.Limits.MaxChunkSizeMB < 1 {
		return fmt.Errorf("limits: max_chunk_size_mb must be at least 1, got %d", c.Limits.MaxChunkSizeMB)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case "whisper":
		if t.ModelPath == "" {
			return fmt.Errorf("model_path cannot be empty for the whisper backend")
		}
	case "openai":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai backend")
		}
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'whisper' or 'openai', got '%s'", t.Backend)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates formatter configuration
func (f *FormatterConfig) Validate() error {
	switch f.Backend {
	case "markdown":
	case "llm":
		if f.APIKey == "" || f.Endpoint == "" {
			return fmt.Errorf("api_key and endpoint are required for the llm backend")
		}
	default:
		return fmt.Errorf("backend must be 'markdown' or 'llm', got '%s'", f.Backend)
	}
	return nil
}

// Validate validates convergence configuration
func (c *ConvergenceConfig) Validate() error {
	if c.IntervalMs < 1 {
		return fmt.Errorf("interval_ms must be positive, got %d", c.IntervalMs)
	}

	if c.TimeoutMs < c.IntervalMs {
		return fmt.Errorf("timeout_ms (%d) must be at least interval_ms (%d)", c.TimeoutMs, c.IntervalMs)
	}

	if c.StableSamples < 1 {
		return fmt.Errorf("stable_samples must be at least 1, got %d", c.StableSamples)
	}

	return nil
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the formatter timeout as a time.Duration
func (f *FormatterConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// GetInterval returns the stabilization sample interval
func (c *ConvergenceConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// GetTimeout returns the stabilization bound
func (c *ConvergenceConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// GetStaleProcessingDuration returns how long a session may sit in processing before it is failed
func (c *CleanupConfig) GetStaleProcessingDuration() time.Duration {
	return time.Duration(c.StaleProcessingMn) * time.Minute
}
