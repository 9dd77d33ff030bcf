// Package sched runs the dynamically sized worker pool that drains the
// per-camera queue under the GPU monitor's concurrency ceiling.
//
// One control loop owns pool sizing: each tick it reads the ceiling and
// claims camera groups into new workers while below it. Shrinking is soft:
// workers notice the new target between segments, hand their remaining
// group back and exit, never killing a running invocation. A worker walks
// its group strictly in capture order and turns every invocation into a
// queue transition plus a recorded result.
//
// Stopping is two-phase. Cancelling the context passed to Run stops new
// claims and lets in-flight segments run to completion or timeout. Abort
// then kills whatever is still inside the external processor; those
// segments are recorded as interrupted and their groups handed back for
// the next run.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartice/camq/proc"
	"github.com/smartice/camq/queue"
	"github.com/smartice/camq/report"
)

// Processor runs the external collaborator for one segment invocation.
// *proc.Command implements it.
type Processor interface {
	Process(ctx context.Context, inv proc.Invocation) (proc.Outcome, error)
}

// Ceiling supplies the worker-concurrency limit currently in force.
// *gpuhealth.Monitor implements it.
type Ceiling interface {
	Recommended() int
}

// Options configures the scheduler.
type Options struct {
	// Tick is the control-loop interval. Default: 1s.
	Tick time.Duration
	// OutputRoot is where per-segment output directories are created,
	// laid out as <root>/<camera_id>/<segment stem>. Required.
	OutputRoot string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time pool counters.
type Stats struct {
	Active   int64 `json:"active_workers"`
	Peak     int64 `json:"peak_workers"`
	Claims   int64 `json:"groups_claimed"`
	Releases int64 `json:"groups_released"`
}

// Scheduler coordinates workers for a single run.
type Scheduler struct {
	q    *queue.Q
	mon  Ceiling
	cmd  Processor
	rec  *report.Recorder
	opts Options
	log  *slog.Logger

	execCtx    context.Context
	execCancel context.CancelFunc

	active   atomic.Int64
	peak     atomic.Int64
	claims   atomic.Int64
	releases atomic.Int64
}

// New creates a scheduler over an already seeded queue.
func New(q *queue.Q, mon Ceiling, cmd Processor, rec *report.Recorder, opts Options) (*Scheduler, error) {
	opts.defaults()
	if opts.OutputRoot == "" {
		return nil, errors.New("sched: OutputRoot is required")
	}
	s := &Scheduler{
		q:    q,
		mon:  mon,
		cmd:  cmd,
		rec:  rec,
		opts: opts,
		log:  opts.Logger,
	}
	s.execCtx, s.execCancel = context.WithCancel(context.Background())
	return s, nil
}

// Stats returns the current pool counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Active:   s.active.Load(),
		Peak:     s.peak.Load(),
		Claims:   s.claims.Load(),
		Releases: s.releases.Load(),
	}
}

// Abort kills in-flight external invocations. Call it only after the run
// context is already cancelled; started segments are recorded as
// interrupted and their groups go back to pending for the next run.
func (s *Scheduler) Abort() { s.execCancel() }

// Run drains the queue and returns when every segment has a terminal
// outcome for this run. Cancelling ctx starts a graceful stop: Run keeps
// ticking until in-flight workers reach a segment boundary, then returns
// ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.execCancel()

	s.log.Info("sched: starting",
		"tick", s.opts.Tick,
		"ceiling", s.mon.Recommended(),
	)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	stopping := false
	for {
		if ctx.Err() != nil && !stopping {
			stopping = true
			s.log.Info("sched: stop requested, waiting for in-flight segments")
		}
		if !stopping {
			s.claimUpToCeiling(ctx, &wg)
		}

		if s.active.Load() == 0 {
			if stopping {
				wg.Wait()
				s.log.Info("sched: stopped before drain")
				return ctx.Err()
			}
			outstanding, err := s.q.Len(ctx)
			if err != nil {
				s.log.Error("sched: queue length", "error", err)
			} else if outstanding == 0 {
				wg.Wait()
				s.log.Info("sched: queue drained", "peak_workers", s.peak.Load())
				return nil
			}
		}

		// The loop outlives ctx on purpose: cancellation only stops new
		// claims, draining the in-flight workers still needs ticks.
		<-ticker.C
	}
}

// claimUpToCeiling starts workers while the pool is below the ceiling and
// the queue has a claimable camera.
func (s *Scheduler) claimUpToCeiling(ctx context.Context, wg *sync.WaitGroup) {
	target := s.target()
	for int(s.active.Load()) < target {
		owner := uuid.Must(uuid.NewV7()).String()
		lease, err := s.q.ClaimNext(ctx, owner)
		if err != nil {
			if !errors.Is(err, queue.ErrNoGroup) && ctx.Err() == nil {
				s.log.Error("sched: claim", "error", err)
			}
			return
		}

		n := s.active.Add(1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		s.claims.Add(1)
		s.log.Info("sched: worker started",
			"camera", lease.CameraID,
			"segments", len(lease.Items),
			"active", n,
			"ceiling", target,
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.active.Add(-1)
			s.worker(ctx, lease)
		}()
	}
}

func (s *Scheduler) target() int {
	t := s.mon.Recommended()
	if t < 1 {
		t = 1
	}
	return t
}

// worker processes one camera group strictly in capture order. Each item
// ends in exactly one of: acked, failed permanently, requeued with the
// rest of the group, released untouched, or recorded as interrupted.
func (s *Scheduler) worker(ctx context.Context, lease *queue.Lease) {
	log := s.log.With("camera", lease.CameraID)

	for _, item := range lease.Items {
		if ctx.Err() != nil {
			s.release(lease.CameraID, "stop requested")
			return
		}
		if int(s.active.Load()) > s.target() {
			s.release(lease.CameraID, "ceiling shrink")
			return
		}

		attempt := item.Attempts + 1
		inv := proc.Invocation{
			Path:    item.Path,
			OutDir:  s.outDir(item),
			Attempt: attempt,
		}
		outcome, err := s.cmd.Process(s.execCtx, inv)

		res := report.Result{
			CameraID:   lease.CameraID,
			Path:       item.Path,
			Attempt:    attempt,
			ExitCode:   outcome.ExitCode,
			DurationMs: outcome.Duration.Milliseconds(),
		}

		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			res.Status = report.StatusInterrupted
			res.Detail = "killed by hard stop"
			s.rec.Record(res)
			log.Warn("sched: segment interrupted", "path", item.Path, "attempt", attempt)
			s.release(lease.CameraID, "hard stop")
			return

		case err != nil:
			// Could not run the collaborator at all. Worth retrying:
			// transient filesystem or fork trouble, not a verdict on
			// the segment.
			if s.retry(lease, item.Path, attempt, err.Error(), &res, report.StatusRetried, log) {
				continue
			}
			return

		case outcome.Succeeded():
			acked := s.ack(item.Path)
			res.Status = report.StatusSucceeded
			s.rec.Record(res)
			log.Info("sched: segment done",
				"path", item.Path,
				"attempt", attempt,
				"duration", outcome.Duration.Round(time.Millisecond),
			)
			if !acked {
				// The segment stays leased otherwise and the drain check
				// never sees zero. Hand the group back; the unacked segment
				// is reprocessed on the next claim.
				s.release(lease.CameraID, "ack failed")
				return
			}

		case outcome.Permanent():
			detail := exitDetail(outcome)
			failed := s.failPermanent(item.Path, attempt, detail)
			res.Status = report.StatusFailed
			res.Detail = detail
			s.rec.Record(res)
			log.Error("sched: segment failed permanently",
				"path", item.Path,
				"attempt", attempt,
				"exit_code", outcome.ExitCode,
				"stderr", outcome.Stderr,
			)
			if !failed {
				s.release(lease.CameraID, "status update failed")
				return
			}

		case outcome.TimedOut:
			detail := fmt.Sprintf("timed out after %s", outcome.Duration.Round(time.Second))
			if s.retry(lease, item.Path, attempt, detail, &res, report.StatusTimedOut, log) {
				continue
			}
			return

		default:
			if s.retry(lease, item.Path, attempt, exitDetail(outcome), &res, report.StatusRetried, log) {
				continue
			}
			return
		}
	}

	log.Info("sched: camera group drained")
}

// retry handles one transient failure. It reports true when the worker
// should keep going with the rest of the group (the budget ran out and the
// failing segment went terminal), false when the whole group went back
// behind the backoff gate and the worker must stop.
func (s *Scheduler) retry(lease *queue.Lease, path string, attempt int, detail string, res *report.Result, status string, log *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exhausted, err := s.q.Requeue(ctx, lease, path, attempt, detail)
	if err != nil {
		log.Error("sched: requeue", "path", path, "error", err)
		res.Status = status
		res.Detail = detail
		s.rec.Record(*res)
		s.release(lease.CameraID, "requeue failed")
		return false
	}

	if exhausted {
		res.Status = report.StatusFailed
		res.Detail = detail + "; retry budget exhausted"
		s.rec.Record(*res)
		log.Error("sched: segment failed permanently",
			"path", path,
			"attempt", attempt,
			"detail", detail,
		)
		return true
	}

	res.Status = status
	res.Detail = detail
	s.rec.Record(*res)
	log.Warn("sched: segment requeued",
		"path", path,
		"attempt", attempt,
		"detail", detail,
	)
	return false
}

func (s *Scheduler) ack(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.q.Ack(ctx, path); err != nil {
		s.log.Error("sched: ack", "path", path, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) failPermanent(path string, attempt int, cause string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.q.FailPermanent(ctx, path, attempt, cause); err != nil {
		s.log.Error("sched: fail permanent", "path", path, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) release(cameraID, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.q.Release(ctx, cameraID); err != nil {
		s.log.Error("sched: release", "camera", cameraID, "error", err)
		return
	}
	s.releases.Add(1)
	s.log.Info("sched: group released", "camera", cameraID, "reason", why)
}

func (s *Scheduler) outDir(item queue.Item) string {
	base := filepath.Base(item.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(s.opts.OutputRoot, item.CameraID, stem)
}

func exitDetail(o proc.Outcome) string {
	if o.Stderr == "" {
		return fmt.Sprintf("processor exit %d", o.ExitCode)
	}
	return fmt.Sprintf("processor exit %d: %s", o.ExitCode, o.Stderr)
}
