package orchestrator

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	doc := `
videos_dir: /srv/cams/in
processor:
  argv: ["ffmpeg-wrap", "--fast"]
  timeout: 10m
  clean_on_retry: false
gpu:
  poll_interval: 15s
  max_parallel: 8
  thresholds:
    temp_warn_c: 65
retry:
  budget: 5
  backoff: 10s
cameras: ["camera_1", "camera_7"]
status_listen: "127.0.0.1:9180"
`
	path := filepath.Join(t.TempDir(), "camq.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.VideosDir != "/srv/cams/in" {
		t.Errorf("videos_dir = %s", cfg.VideosDir)
	}
	if len(cfg.Processor.Argv) != 2 || cfg.Processor.Argv[0] != "ffmpeg-wrap" {
		t.Errorf("processor argv = %v", cfg.Processor.Argv)
	}
	if cfg.Processor.Timeout != 10*time.Minute {
		t.Errorf("processor timeout = %s", cfg.Processor.Timeout)
	}
	if cfg.GPU.PollInterval != 15*time.Second {
		t.Errorf("poll interval = %s", cfg.GPU.PollInterval)
	}
	if cfg.GPU.MaxParallel != 8 {
		t.Errorf("max parallel = %d", cfg.GPU.MaxParallel)
	}
	if cfg.GPU.Thresholds.TempWarnC != 65 {
		t.Errorf("temp_warn_c = %d", cfg.GPU.Thresholds.TempWarnC)
	}
	if cfg.Retry.Budget != 5 || cfg.Retry.Backoff != 10*time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if len(cfg.Cameras) != 2 || cfg.Cameras[1] != "camera_7" {
		t.Errorf("cameras = %v", cfg.Cameras)
	}
	if cfg.StatusListen != "127.0.0.1:9180" {
		t.Errorf("status_listen = %s", cfg.StatusListen)
	}

	// Fields absent from the file keep their defaults.
	if cfg.GPU.Thresholds.TempCriticalC != 80 {
		t.Errorf("temp_critical_c = %d, want default 80", cfg.GPU.Thresholds.TempCriticalC)
	}
	if cfg.StateDir != "state" {
		t.Errorf("state_dir = %s, want default", cfg.StateDir)
	}
	if cfg.RetentionDays != 14 {
		t.Errorf("retention_days = %d, want default 14", cfg.RetentionDays)
	}
	if cfg.Retry.MaxBackoff != 10*time.Minute {
		t.Errorf("max_backoff = %s, want default 10m", cfg.Retry.MaxBackoff)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"empty videos dir", func(c *Config) { c.VideosDir = "" }, "videos_dir"},
		{"no processor argv", func(c *Config) { c.Processor.Argv = nil }, "processor.argv"},
		{"blank processor binary", func(c *Config) { c.Processor.Argv = []string{" "} }, "processor.argv"},
		{"zero timeout", func(c *Config) { c.Processor.Timeout = 0 }, "processor.timeout"},
		{"zero max parallel", func(c *Config) { c.GPU.MaxParallel = 0 }, "gpu.max_parallel"},
		{"ceiling above max", func(c *Config) { c.GPU.DegradedCeiling = 9 }, "gpu.degraded_ceiling"},
		{"zero retry budget", func(c *Config) { c.Retry.Budget = 0 }, "retry.budget"},
		{"max backoff below backoff", func(c *Config) { c.Retry.MaxBackoff = time.Second }, "retry.max_backoff"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"zero retention", func(c *Config) { c.RetentionDays = 0 }, "retention_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.LogLevel = tc.in
		if got := cfg.Level(); got != tc.want {
			t.Errorf("Level(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
