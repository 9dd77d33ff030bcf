package gpuhealth

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCommand is the nvidia-smi invocation used to read telemetry.
// Output is one CSV line per GPU: temperature, utilization, memory used,
// memory total. Only the first GPU is considered.
var DefaultCommand = []string{
	"nvidia-smi",
	"--query-gpu=temperature.gpu,utilization.gpu,memory.used,memory.total",
	"--format=csv,noheader,nounits",
}

// Options tunes the monitor.
type Options struct {
	// PollInterval is the telemetry polling frequency, decoupled from job
	// completion events. Default: 30s.
	PollInterval time.Duration
	// QueryTimeout bounds one nvidia-smi invocation. Default: 5s.
	QueryTimeout time.Duration
	// FailureBudget is how many consecutive query failures are tolerated
	// before the monitor disables itself for the rest of the run and the
	// ceiling stays at Policy.DegradedCeiling. Default: 5.
	FailureBudget int
	// Policy maps snapshots to ceiling advice. Zero fields get defaults.
	Policy Policy
	// Command overrides DefaultCommand (tests, non-standard telemetry).
	Command []string
	// OnSample, when set, receives every snapshot, degraded ones included.
	OnSample func(Snapshot)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.FailureBudget <= 0 {
		o.FailureBudget = 5
	}
	if len(o.Command) == 0 {
		o.Command = DefaultCommand
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Policy.defaults()
}

// Stats are point-in-time counters.
type Stats struct {
	Polls    int64 `json:"polls"`
	Failures int64 `json:"failures"`
	Changes  int64 `json:"ceiling_changes"`
	Disabled bool  `json:"disabled"`
}

// Monitor owns the polling goroutine. It never mutates scheduling state;
// consumers read Recommended.
type Monitor struct {
	opts Options

	recommended atomic.Int64
	disabled    atomic.Bool

	polls    atomic.Int64
	failures atomic.Int64
	changes  atomic.Int64

	mu      sync.Mutex
	last    Snapshot
	hasLast bool
}

// New creates a Monitor. The ceiling starts at the degraded value and only
// rises after a healthy poll, so a host without a GPU never overcommits.
func New(opts Options) *Monitor {
	opts.defaults()
	m := &Monitor{opts: opts}
	m.recommended.Store(int64(opts.Policy.DegradedCeiling))
	return m
}

// Recommended returns the current ceiling advice.
func (m *Monitor) Recommended() int { return int(m.recommended.Load()) }

// Last returns the most recent snapshot, degraded ones included.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Polls:    m.polls.Load(),
		Failures: m.failures.Load(),
		Changes:  m.changes.Load(),
		Disabled: m.disabled.Load(),
	}
}

// MaxParallel reports the configured ceiling upper bound.
func (m *Monitor) MaxParallel() int { return m.opts.Policy.MaxParallel }

// Run polls until ctx is cancelled, or until the failure budget is spent;
// after that the ceiling is pinned at the degraded value and Run returns.
// The first poll happens immediately so the scheduler never waits a full
// interval for real advice.
func (m *Monitor) Run(ctx context.Context) {
	log := m.opts.Logger
	log.Info("gpuhealth: monitor started",
		"poll_interval", m.opts.PollInterval,
		"max_parallel", m.opts.Policy.MaxParallel,
		"degraded_ceiling", m.opts.Policy.DegradedCeiling,
	)

	failStreak := 0
	if !m.poll(ctx) {
		failStreak++
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("gpuhealth: monitor stopped")
			return
		case <-ticker.C:
			if m.poll(ctx) {
				failStreak = 0
				continue
			}
			failStreak++
			if failStreak >= m.opts.FailureBudget {
				m.disabled.Store(true)
				log.Error("gpuhealth: telemetry failed repeatedly, monitor disabled for this run",
					"consecutive_failures", failStreak,
					"ceiling", m.opts.Policy.DegradedCeiling,
				)
				return
			}
		}
	}
}

// poll reads telemetry once, publishes the snapshot and the new ceiling.
// Returns false when the query failed.
func (m *Monitor) poll(ctx context.Context) bool {
	log := m.opts.Logger
	m.polls.Add(1)

	snap, err := m.query(ctx)
	if err != nil {
		m.failures.Add(1)
		snap = Snapshot{Time: time.Now(), Degraded: true}
		log.Warn("gpuhealth: telemetry query failed, degraded snapshot", "error", err)
	}

	m.mu.Lock()
	m.last = snap
	m.hasLast = true
	m.mu.Unlock()

	prev := int(m.recommended.Load())
	next := m.opts.Policy.Advise(prev, snap)
	if next != prev {
		m.changes.Add(1)
		m.recommended.Store(int64(next))
		log.Info("gpuhealth: ceiling change",
			"old", prev,
			"new", next,
			"temp_c", snap.TemperatureC,
			"util_pct", snap.UtilizationPct,
			"mem_pct", snap.MemoryUsedPct(),
			"degraded", snap.Degraded,
		)
	}

	if m.opts.OnSample != nil {
		m.opts.OnSample(snap)
	}
	return err == nil
}

func (m *Monitor) query(ctx context.Context) (Snapshot, error) {
	qctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()

	cmd := exec.CommandContext(qctx, m.opts.Command[0], m.opts.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", m.opts.Command[0], err)
	}
	return parseOutput(string(out))
}

// parseOutput parses one nvidia-smi CSV line:
//
//	"62, 45, 9277, 32607"
//
// Multi-GPU hosts report one line per GPU; the first line wins.
func parseOutput(out string) (Snapshot, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return Snapshot{}, fmt.Errorf("unexpected telemetry output %q", line)
	}

	vals := make([]int, 4)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return Snapshot{}, fmt.Errorf("bad telemetry field %q in %q", f, line)
		}
		vals[i] = v
	}

	return Snapshot{
		TemperatureC:   vals[0],
		UtilizationPct: vals[1],
		MemoryUsedMB:   vals[2],
		MemoryTotalMB:  vals[3],
		Time:           time.Now(),
	}, nil
}
