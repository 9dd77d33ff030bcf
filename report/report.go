// Package report accumulates per-attempt processing outcomes for one
// orchestration run and renders the final summary.
//
// The Recorder keeps every result in memory (that copy is authoritative
// for Finalize) and mirrors results, GPU samples and the run row into
// SQLite as history. Persistence errors are logged but never propagated,
// so a failing history store cannot stall workers.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartice/camq/dbopen"
	"github.com/smartice/camq/gpuhealth"
)

// Attempt statuses. succeeded, failed and interrupted are terminal for this
// run; timed_out and retried mean the segment went back to the queue.
const (
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusTimedOut    = "timed_out"
	StatusRetried     = "retried"
	StatusInterrupted = "interrupted"
)

// Result is the outcome of one processing attempt of one segment. Immutable
// once recorded.
type Result struct {
	CameraID   string    `json:"camera_id"`
	Path       string    `json:"path"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"recorded_at"`
}

// Totals aggregates attempt outcomes across the run.
type Totals struct {
	Segments    int `json:"segments"` // distinct segment paths touched
	Attempts    int `json:"attempts"` // total external-process invocations
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	TimedOut    int `json:"timed_out"`
	Retried     int `json:"retried"`
	Interrupted int `json:"interrupted"`
}

// CameraTotals is the per-camera breakdown.
type CameraTotals struct {
	CameraID    string `json:"camera_id"`
	Segments    int    `json:"segments"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Interrupted int    `json:"interrupted"`
	Retries     int    `json:"retries"` // attempts that sent the segment back
}

// Run is the finalized record of one orchestration pass.
type Run struct {
	ID         string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMs int64          `json:"duration_ms"`
	Totals     Totals         `json:"totals"`
	Cameras    []CameraTotals `json:"cameras,omitempty"`
	Results    []Result       `json:"results,omitempty"`
}

// Options configures a Recorder.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Recorder is the single writer-of-record for a run. Safe for concurrent
// use by many workers.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger

	id      string
	started time.Time

	mu      sync.Mutex
	results []Result
	final   *Run
}

// New creates a recorder for a fresh run. Call EnsureSchema and Begin once
// before recording.
func New(db *sql.DB, opts Options) *Recorder {
	opts.defaults()
	return &Recorder{
		db:      db,
		log:     opts.Logger,
		id:      uuid.Must(uuid.NewV7()).String(),
		started: time.Now(),
	}
}

// RunID returns the identifier assigned to this run.
func (r *Recorder) RunID() string { return r.id }

// StartedAt returns the run's start time.
func (r *Recorder) StartedAt() time.Time { return r.started }

// EnsureSchema creates the run history tables.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			segments    INTEGER NOT NULL DEFAULT 0,
			attempts    INTEGER NOT NULL DEFAULT 0,
			succeeded   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			timed_out   INTEGER NOT NULL DEFAULT 0,
			retried     INTEGER NOT NULL DEFAULT 0,
			interrupted INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS results (
			run_id      TEXT NOT NULL,
			camera_id   TEXT NOT NULL,
			path        TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			status      TEXT NOT NULL,
			exit_code   INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			detail      TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_run ON results (run_id, recorded_at);
		CREATE TABLE IF NOT EXISTS gpu_samples (
			run_id          TEXT NOT NULL,
			sampled_at      INTEGER NOT NULL,
			temperature_c   INTEGER NOT NULL,
			utilization_pct INTEGER NOT NULL,
			memory_used_mb  INTEGER NOT NULL,
			memory_total_mb INTEGER NOT NULL,
			degraded        INTEGER NOT NULL DEFAULT 0,
			ceiling         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_gpu_samples_run ON gpu_samples (run_id, sampled_at);
	`)
	return err
}

// Begin writes the run row that results and GPU samples from this process
// hang off.
func (r *Recorder) Begin(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, r.db,
		`INSERT INTO runs (run_id, started_at) VALUES (?,?)`,
		r.id, r.started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("report: begin run: %w", err)
	}
	return nil
}

// Record appends one attempt outcome. The in-memory copy is taken under the
// lock before any I/O, so an entry recorded here is guaranteed to appear in
// Finalize even when the history insert fails.
func (r *Recorder) Record(res Result) {
	if res.At.IsZero() {
		res.At = time.Now()
	}

	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := dbopen.Exec(ctx, r.db, `
		INSERT INTO results (run_id, camera_id, path, attempt, status, exit_code, duration_ms, detail, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.id, res.CameraID, res.Path, res.Attempt, res.Status,
		res.ExitCode, res.DurationMs, res.Detail, res.At.UnixMilli(),
	)
	if err != nil {
		r.log.Error("report: persist result", "path", res.Path, "error", err)
	}
}

// Sample persists one GPU telemetry reading together with the ceiling in
// force when it was taken. Wire it as the monitor's OnSample hook.
func (r *Recorder) Sample(s gpuhealth.Snapshot, ceiling int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := dbopen.Exec(ctx, r.db, `
		INSERT INTO gpu_samples (run_id, sampled_at, temperature_c, utilization_pct, memory_used_mb, memory_total_mb, degraded, ceiling)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.id, s.Time.UnixMilli(), s.TemperatureC, s.UtilizationPct,
		s.MemoryUsedMB, s.MemoryTotalMB, s.Degraded, ceiling,
	)
	if err != nil {
		r.log.Error("report: persist gpu sample", "error", err)
	}
}

// Finalize computes the aggregate run record, closes the runs row and
// returns the record. The caller guarantees no Record call is still in
// flight. Further calls return the same record.
func (r *Recorder) Finalize() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final
	}

	run := &Run{
		ID:         r.id,
		StartedAt:  r.started,
		FinishedAt: time.Now(),
		Results:    append([]Result(nil), r.results...),
	}
	run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()

	cameras := make(map[string]*CameraTotals)
	seen := make(map[string]bool)
	for _, res := range run.Results {
		ct := cameras[res.CameraID]
		if ct == nil {
			ct = &CameraTotals{CameraID: res.CameraID}
			cameras[res.CameraID] = ct
		}
		if !seen[res.Path] {
			seen[res.Path] = true
			run.Totals.Segments++
			ct.Segments++
		}
		run.Totals.Attempts++
		switch res.Status {
		case StatusSucceeded:
			run.Totals.Succeeded++
			ct.Succeeded++
		case StatusFailed:
			run.Totals.Failed++
			ct.Failed++
		case StatusTimedOut:
			run.Totals.TimedOut++
			ct.Retries++
		case StatusRetried:
			run.Totals.Retried++
			ct.Retries++
		case StatusInterrupted:
			run.Totals.Interrupted++
			ct.Interrupted++
		}
	}
	for _, ct := range cameras {
		run.Cameras = append(run.Cameras, *ct)
	}
	sort.Slice(run.Cameras, func(i, j int) bool {
		return run.Cameras[i].CameraID < run.Cameras[j].CameraID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := dbopen.Exec(ctx, r.db, `
		UPDATE runs
		SET finished_at = ?, segments = ?, attempts = ?, succeeded = ?,
		    failed = ?, timed_out = ?, retried = ?, interrupted = ?
		WHERE run_id = ?`,
		run.FinishedAt.UnixMilli(), run.Totals.Segments, run.Totals.Attempts,
		run.Totals.Succeeded, run.Totals.Failed, run.Totals.TimedOut,
		run.Totals.Retried, run.Totals.Interrupted, r.id,
	)
	if err != nil {
		r.log.Error("report: close run row", "error", err)
	}

	r.final = run
	return run
}

// Write renders the run as indented JSON at path, via temp file and rename
// so a crash mid-write never leaves a truncated report behind.
func Write(path string, run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".camq-report-*")
	if err != nil {
		return fmt.Errorf("report: temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("report: write temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("report: chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("report: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("report: rename into %s: %w", path, err)
	}
	return nil
}
