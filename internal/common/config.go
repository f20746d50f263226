package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	Pipeline    PipelineConfig  `toml:"pipeline" yaml:"pipeline"`
	Tracker     TrackerConfig   `toml:"tracker" yaml:"tracker"`
	Scheduler   SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	WebSocket   WebSocketConfig `toml:"websocket" yaml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" yaml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // Time format for logs
}

// PipelineConfig configures the backend pipeline API client.
// Durations are duration strings ("30s") so they round-trip through TOML
// and YAML the same way.
type PipelineConfig struct {
	BaseURL        string `toml:"base_url" yaml:"base_url" validate:"required,url"`
	APIKey         string `toml:"api_key" yaml:"api_key"`
	RequestTimeout string `toml:"request_timeout" yaml:"request_timeout"`
	RateLimit      int    `toml:"rate_limit" yaml:"rate_limit" validate:"gt=0"` // requests per second
}

// Timeout parses the request timeout, falling back to 30s.
func (c *PipelineConfig) Timeout() time.Duration {
	return parseDuration(c.RequestTimeout, 30*time.Second)
}

// TrackerConfig configures the per-job poll loops.
type TrackerConfig struct {
	// PollInterval drives run, filter and training progress polls.
	PollInterval string `toml:"poll_interval" yaml:"poll_interval"`
	// BatchPollInterval drives the coarser inference batch polls.
	BatchPollInterval string `toml:"batch_poll_interval" yaml:"batch_poll_interval"`
}

// Poll parses the poll interval, falling back to 2s.
func (c *TrackerConfig) Poll() time.Duration {
	return parseDuration(c.PollInterval, 2*time.Second)
}

// BatchPoll parses the batch poll interval, falling back to 5s.
func (c *TrackerConfig) BatchPoll() time.Duration {
	return parseDuration(c.BatchPollInterval, 5*time.Second)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

// SchedulerConfig configures the background refresh and retention sweep.
type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled"`
	RefreshSchedule string `toml:"refresh_schedule" yaml:"refresh_schedule"` // Cron schedule for scope summary refresh
	SweepSchedule   string `toml:"sweep_schedule" yaml:"sweep_schedule"`     // Cron schedule for terminal job retention sweep
	RetentionDays   int    `toml:"retention_days" yaml:"retention_days"`
}

type WebSocketConfig struct {
	MinLevel         string   `toml:"min_level" yaml:"min_level"`                 // Minimum log level to broadcast
	ExcludePatterns  []string `toml:"exclude_patterns" yaml:"exclude_patterns"`   // Log messages to suppress
	ProgressInterval string   `toml:"progress_interval" yaml:"progress_interval"` // Throttle interval for job_progress events
}

// NewDefaultConfig returns the built-in defaults. File, env and CLI values
// layer on top in that order.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8151,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/ausculto",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Pipeline: PipelineConfig{
			BaseURL:        "http://localhost:9400/api",
			RequestTimeout: "30s",
			RateLimit:      10,
		},
		Tracker: TrackerConfig{
			PollInterval:      "2s",
			BatchPollInterval: "5s",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			RefreshSchedule: "*/1 * * * *",  // Refresh registered scope summaries every minute
			SweepSchedule:   "0 3 * * *",    // Prune terminal jobs nightly
			RetentionDays:   30,
		},
		WebSocket: WebSocketConfig{
			MinLevel:         "info",
			ProgressInterval: "1s",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// files. Files ending in .yaml/.yml are parsed as YAML, everything else as
// TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AUSCULTO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("AUSCULTO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AUSCULTO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("AUSCULTO_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if level := os.Getenv("AUSCULTO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if baseURL := os.Getenv("AUSCULTO_PIPELINE_URL"); baseURL != "" {
		config.Pipeline.BaseURL = baseURL
	}
	if apiKey := os.Getenv("AUSCULTO_PIPELINE_API_KEY"); apiKey != "" {
		config.Pipeline.APIKey = apiKey
	}

	if interval := os.Getenv("AUSCULTO_POLL_INTERVAL"); interval != "" {
		if _, err := time.ParseDuration(interval); err == nil {
			config.Tracker.PollInterval = interval
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the resolved configuration for structural problems.
func Validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Tracker.Poll() <= 0 {
		return fmt.Errorf("invalid configuration: tracker poll_interval must be positive")
	}
	if config.Tracker.BatchPoll() <= 0 {
		return fmt.Errorf("invalid configuration: tracker batch_poll_interval must be positive")
	}
	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
