package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartice/camq/gpuhealth"
)

// Config holds the full orchestrator configuration.
type Config struct {
	// VideosDir is scanned for camera segments. Must already exist.
	VideosDir string `yaml:"videos_dir"`
	// OutputDir receives one subdirectory per camera per segment.
	OutputDir string `yaml:"output_dir"`
	// StateDir holds the queue/manifest database and the run lock.
	StateDir string `yaml:"state_dir"`
	// LogsDir holds the rotating run logs and the report files.
	LogsDir string `yaml:"logs_dir"`

	Processor ProcessorConfig `yaml:"processor"`
	GPU       GPUConfig       `yaml:"gpu"`
	Retry     RetryConfig     `yaml:"retry"`

	// ControlTick is the scheduler loop interval.
	ControlTick time.Duration `yaml:"control_tick"`

	// Cameras restricts discovery to these camera IDs. Empty means all.
	Cameras []string `yaml:"cameras"`
	// Extensions restricts discovery to these file extensions.
	Extensions []string `yaml:"extensions"`

	// RetentionDays is how long rotated logs are kept.
	RetentionDays int `yaml:"retention_days"`
	// StatusListen enables the JSON ops endpoint when set, e.g.
	// "127.0.0.1:9120". Empty keeps it off.
	StatusListen string `yaml:"status_listen"`
	LogLevel     string `yaml:"log_level"`
}

// ProcessorConfig describes the external video processor.
type ProcessorConfig struct {
	// Argv is the processor command with fixed arguments; segment path and
	// output dir get appended per invocation.
	Argv         []string      `yaml:"argv"`
	Timeout      time.Duration `yaml:"timeout"`
	CleanOnRetry bool          `yaml:"clean_on_retry"`
}

// GPUConfig tunes the health monitor and the concurrency policy.
type GPUConfig struct {
	PollInterval    time.Duration        `yaml:"poll_interval"`
	MaxParallel     int                  `yaml:"max_parallel"`
	DegradedCeiling int                  `yaml:"degraded_ceiling"`
	Thresholds      gpuhealth.Thresholds `yaml:"thresholds"`
}

// RetryConfig bounds requeue behaviour for transient failures.
type RetryConfig struct {
	// Budget is the attempts allowed per segment before it is failed.
	Budget int `yaml:"budget"`
	// Backoff delays the first retry and doubles per attempt.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		VideosDir: "videos",
		OutputDir: "output",
		StateDir:  "state",
		LogsDir:   "logs",
		Processor: ProcessorConfig{
			Argv:    []string{"video-processor"},
			Timeout: 30 * time.Minute,
		},
		GPU: GPUConfig{
			PollInterval:    30 * time.Second,
			MaxParallel:     4,
			DegradedCeiling: 2,
			Thresholds:      gpuhealth.DefaultThresholds(),
		},
		Retry: RetryConfig{
			Budget:     3,
			Backoff:    30 * time.Second,
			MaxBackoff: 10 * time.Minute,
		},
		ControlTick:   time.Second,
		RetentionDays: 14,
		LogLevel:      "info",
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.VideosDir == "" {
		return fmt.Errorf("videos_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.LogsDir == "" {
		return fmt.Errorf("logs_dir is required")
	}
	if len(c.Processor.Argv) == 0 || strings.TrimSpace(c.Processor.Argv[0]) == "" {
		return fmt.Errorf("processor.argv is required")
	}
	if c.Processor.Timeout <= 0 {
		return fmt.Errorf("processor.timeout must be > 0")
	}
	if c.GPU.PollInterval <= 0 {
		return fmt.Errorf("gpu.poll_interval must be > 0")
	}
	if c.GPU.MaxParallel <= 0 {
		return fmt.Errorf("gpu.max_parallel must be > 0")
	}
	if c.GPU.DegradedCeiling <= 0 {
		return fmt.Errorf("gpu.degraded_ceiling must be > 0")
	}
	if c.GPU.DegradedCeiling > c.GPU.MaxParallel {
		return fmt.Errorf("gpu.degraded_ceiling %d exceeds gpu.max_parallel %d",
			c.GPU.DegradedCeiling, c.GPU.MaxParallel)
	}
	if c.ControlTick <= 0 {
		return fmt.Errorf("control_tick must be > 0")
	}
	if c.Retry.Budget <= 0 {
		return fmt.Errorf("retry.budget must be > 0")
	}
	if c.Retry.Backoff <= 0 {
		return fmt.Errorf("retry.backoff must be > 0")
	}
	if c.Retry.MaxBackoff < c.Retry.Backoff {
		return fmt.Errorf("retry.max_backoff %s is below retry.backoff %s",
			c.Retry.MaxBackoff, c.Retry.Backoff)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be > 0")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	return nil
}

// Level maps the configured log level to slog.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
