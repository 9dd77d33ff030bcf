// Command camq orchestrates GPU video processing over per-camera segment queues.
//
// Usage:
//
//	camq -config camq.yaml            # run from a YAML config file
//	camq -videos-dir /srv/cams/in     # run with defaults plus flag overrides
//	camq -list                        # print discovered work and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smartice/camq/orchestrator"
)

type overrides struct {
	videosDir    string
	outputDir    string
	stateDir     string
	logsDir      string
	cameras      string
	maxParallel  int
	minParallel  int
	retryBudget  int
	pollInterval time.Duration
	statusListen string
	logLevel     string
}

func main() {
	configPath := flag.String("config", "", "path to camq.yaml config file")
	listOnly := flag.Bool("list", false, "print discovered work and exit without processing")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")

	var ov overrides
	flag.StringVar(&ov.videosDir, "videos-dir", "", "directory scanned for camera segments")
	flag.StringVar(&ov.outputDir, "output-dir", "", "directory for processor output")
	flag.StringVar(&ov.stateDir, "state-dir", "", "directory for queue state and the run lock")
	flag.StringVar(&ov.logsDir, "logs-dir", "", "directory for run logs and reports")
	flag.StringVar(&ov.cameras, "cameras", "", "comma-separated camera IDs to process (default all)")
	flag.IntVar(&ov.maxParallel, "max-parallel", 0, "worker ceiling on a healthy GPU")
	flag.IntVar(&ov.minParallel, "min-parallel", 0, "worker ceiling under GPU degradation")
	flag.IntVar(&ov.retryBudget, "retry-budget", 0, "attempts per segment before permanent failure")
	flag.DurationVar(&ov.pollInterval, "poll-interval", 0, "GPU health poll interval")
	flag.StringVar(&ov.statusListen, "status-listen", "", "address for the status HTTP endpoint")
	flag.Parse()
	ov.logLevel = *logLevel

	cfg, err := resolveConfig(*configPath, ov)
	if err != nil {
		fmt.Fprintln(os.Stderr, "camq:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	if err := run(logger, cfg, *listOnly); err != nil {
		logger.Error("camq: fatal", "error", err)
		os.Exit(1)
	}
}

// run owns the signal protocol: the first SIGINT/SIGTERM stops claiming new
// segments and waits for in-flight ones, a second kills them.
func run(logger *slog.Logger, cfg *orchestrator.Config, listOnly bool) error {
	orch := orchestrator.New(cfg, orchestrator.Options{Console: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		logger.Info("camq: signal received, finishing in-flight segments")
		cancel()
		<-sigs
		logger.Warn("camq: second signal, aborting in-flight segments")
		orch.Abort()
	}()

	if listOnly {
		return orch.List(ctx, os.Stdout)
	}

	_, err := orch.Run(ctx)
	return err
}

func resolveConfig(configPath string, ov overrides) (*orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = orchestrator.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}

	if ov.videosDir != "" {
		cfg.VideosDir = ov.videosDir
	}
	if ov.outputDir != "" {
		cfg.OutputDir = ov.outputDir
	}
	if ov.stateDir != "" {
		cfg.StateDir = ov.stateDir
	}
	if ov.logsDir != "" {
		cfg.LogsDir = ov.logsDir
	}
	if ov.cameras != "" {
		cfg.Cameras = splitList(ov.cameras)
	}
	if ov.maxParallel > 0 {
		cfg.GPU.MaxParallel = ov.maxParallel
	}
	if ov.minParallel > 0 {
		cfg.GPU.DegradedCeiling = ov.minParallel
	}
	if ov.retryBudget > 0 {
		cfg.Retry.Budget = ov.retryBudget
	}
	if ov.pollInterval > 0 {
		cfg.GPU.PollInterval = ov.pollInterval
	}
	if ov.statusListen != "" {
		cfg.StatusListen = ov.statusListen
	}
	if ov.logLevel != "" {
		cfg.LogLevel = ov.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
