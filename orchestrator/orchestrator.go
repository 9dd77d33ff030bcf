// Package orchestrator wires discovery, the segment queue, the GPU monitor,
// the scheduler and reporting into one end-to-end run.
//
// Run is one-shot: discover work, drain it under the GPU ceiling, write the
// report, return. Job failures are data in the report, not errors; only
// orchestration failures (bad dirs, missing processor, locked state dir,
// unusable database) come back as errors.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/smartice/camq/dbopen"
	"github.com/smartice/camq/discover"
	"github.com/smartice/camq/gpuhealth"
	"github.com/smartice/camq/proc"
	"github.com/smartice/camq/queue"
	"github.com/smartice/camq/report"
	"github.com/smartice/camq/runlog"
	"github.com/smartice/camq/sched"
	"github.com/smartice/camq/status"
)

// stateDBName is the SQLite file holding the queue, the completion manifest
// and the run history.
const stateDBName = "camq.db"

// Options configures the orchestrator beyond the config file.
type Options struct {
	// Console receives coarse run milestones; component detail goes to the
	// rotating run logs. Defaults to slog.Default().
	Console *slog.Logger
}

// Orchestrator owns one configured deployment. Concurrent runs against the
// same state dir are refused by the run lock.
type Orchestrator struct {
	cfg     *Config
	console *slog.Logger
	sch     atomic.Pointer[sched.Scheduler]
}

// New creates an Orchestrator. cfg must have passed Validate.
func New(cfg *Config, opts Options) *Orchestrator {
	if opts.Console == nil {
		opts.Console = slog.Default()
	}
	return &Orchestrator{cfg: cfg, console: opts.Console}
}

// Abort kills in-flight processor invocations of a running Run. Call it
// after cancelling Run's context when a graceful stop is not enough. Safe
// at any time; a no-op before workers exist.
func (o *Orchestrator) Abort() {
	if s := o.sch.Load(); s != nil {
		s.Abort()
	}
}

// Run executes one orchestration run. The returned *report.Run is non-nil
// whenever the run got far enough to begin, interrupted runs included, and
// the report file is written in all of those cases. Cancelling ctx stops
// the run gracefully (in-flight segments finish first); the error then
// wraps ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) (*report.Run, error) {
	cfg := o.cfg

	fi, err := os.Stat(cfg.VideosDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: videos dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("orchestrator: videos dir %s is not a directory", cfg.VideosDir)
	}
	for _, dir := range []string{cfg.OutputDir, cfg.StateDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: create %s: %w", dir, err)
		}
	}

	release, err := acquireLock(cfg.StateDir, o.console)
	if err != nil {
		return nil, err
	}
	defer release()

	files, err := runlog.Open(cfg.LogsDir, runlog.Options{
		Level:         cfg.Level(),
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open run logs: %w", err)
	}
	defer files.Close()
	log := files.Logger()

	cmd, err := proc.NewCommand(proc.Options{
		Argv:         cfg.Processor.Argv,
		Timeout:      cfg.Processor.Timeout,
		CleanOnRetry: cfg.Processor.CleanOnRetry,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	if err := cmd.Check(); err != nil {
		return nil, err
	}

	db, err := dbopen.Open(filepath.Join(cfg.StateDir, stateDBName))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open state db: %w", err)
	}
	defer db.Close()

	q := queue.New(db, queue.Options{
		MaxAttempts: cfg.Retry.Budget,
		Backoff:     cfg.Retry.Backoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
		Logger:      log,
	})
	if err := q.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: queue schema: %w", err)
	}
	rec := report.New(db, report.Options{Logger: log})
	if err := rec.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: report schema: %w", err)
	}

	recovered, err := q.ResetLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reset leases: %w", err)
	}
	if recovered > 0 {
		log.Warn("orchestrator: recovered leases from an interrupted run", "segments", recovered)
	}

	groups, stats, err := discover.Scan(ctx, cfg.VideosDir, discover.Options{
		Extensions: cfg.Extensions,
		Cameras:    cfg.Cameras,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	seeded, err := q.Seed(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: seed queue: %w", err)
	}
	o.note(log, "orchestrator: work discovered",
		"run_id", rec.RunID(),
		"cameras", stats.Groups,
		"segments", stats.Segments,
		"skipped", stats.Skipped,
		"queued", seeded.Inserted,
		"already_done", seeded.AlreadyDone,
		"already_queued", seeded.AlreadyQueued,
	)

	if err := rec.Begin(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: begin run: %w", err)
	}

	var mon *gpuhealth.Monitor
	mon = gpuhealth.New(gpuhealth.Options{
		PollInterval: cfg.GPU.PollInterval,
		Policy: gpuhealth.Policy{
			Thresholds:      cfg.GPU.Thresholds,
			MaxParallel:     cfg.GPU.MaxParallel,
			DegradedCeiling: cfg.GPU.DegradedCeiling,
		},
		OnSample: func(s gpuhealth.Snapshot) { rec.Sample(s, mon.Recommended()) },
		Logger:   log,
	})

	sch, err := sched.New(q, mon, cmd, rec, sched.Options{
		Tick:       cfg.ControlTick,
		OutputRoot: cfg.OutputDir,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	o.sch.Store(sch)

	auxCtx, auxCancel := context.WithCancel(context.Background())
	defer auxCancel()
	var aux sync.WaitGroup
	aux.Add(1)
	go func() {
		defer aux.Done()
		mon.Run(auxCtx)
	}()

	if cfg.StatusListen != "" {
		srv, serr := status.New(q, sch, mon, rec, status.Options{Listen: cfg.StatusListen, Logger: log})
		if serr == nil {
			serr = srv.Listen()
		}
		if serr != nil {
			// The run matters more than the ops endpoint.
			log.Error("orchestrator: status endpoint disabled", "error", serr)
		} else {
			o.note(log, "orchestrator: status endpoint up", "addr", srv.Addr())
			aux.Add(1)
			go func() {
				defer aux.Done()
				if err := srv.Run(auxCtx); err != nil {
					log.Error("orchestrator: status server", "error", err)
				}
			}()
		}
	}

	runErr := sch.Run(ctx)
	auxCancel()
	aux.Wait()

	run := rec.Finalize()
	reportPath := filepath.Join(cfg.LogsDir, "report_"+run.ID+".json")
	writeErr := report.Write(reportPath, run)
	if writeErr != nil {
		log.Error("orchestrator: write report file", "path", reportPath, "error", writeErr)
	}

	msg := "orchestrator: run complete"
	if runErr != nil {
		msg = "orchestrator: run interrupted"
	}
	o.note(log, msg,
		"run_id", run.ID,
		"duration_ms", run.DurationMs,
		"segments", run.Totals.Segments,
		"succeeded", run.Totals.Succeeded,
		"failed", run.Totals.Failed,
		"interrupted", run.Totals.Interrupted,
		"report", reportPath,
	)

	if runErr != nil {
		return run, fmt.Errorf("orchestrator: run stopped: %w", runErr)
	}
	if writeErr != nil {
		return run, fmt.Errorf("orchestrator: write report: %w", writeErr)
	}
	return run, nil
}

// List prints what a run would process, one camera per line, without
// touching the queue, the logs or the run lock.
func (o *Orchestrator) List(ctx context.Context, w io.Writer) error {
	cfg := o.cfg
	if _, err := os.Stat(cfg.VideosDir); err != nil {
		return fmt.Errorf("orchestrator: videos dir: %w", err)
	}
	groups, stats, err := discover.Scan(ctx, cfg.VideosDir, discover.Options{
		Extensions: cfg.Extensions,
		Cameras:    cfg.Cameras,
		Logger:     o.console,
	})
	if err != nil {
		return err
	}
	for _, g := range groups {
		first := g.Segments[0].CapturedAt
		last := g.Segments[len(g.Segments)-1].CapturedAt
		fmt.Fprintf(w, "%s\t%d segment(s)\t%s .. %s\n",
			g.CameraID, len(g.Segments),
			first.Format("2006-01-02 15:04:05"),
			last.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "%d camera(s), %d segment(s), %d file(s) skipped\n",
		stats.Groups, stats.Segments, stats.Skipped)
	return nil
}

// note logs a run milestone to both the console and the run log.
func (o *Orchestrator) note(fileLog *slog.Logger, msg string, args ...any) {
	o.console.Info(msg, args...)
	fileLog.Info(msg, args...)
}
