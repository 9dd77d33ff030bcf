// Package runlog owns the orchestrator's on-disk log channels: a full
// operational trace and an error-only trace. Both are JSON slog streams in
// dated files (camq_YYYYMMDD.log, camq_errors_YYYYMMDD.log), rotated at
// local midnight on a calendar schedule independent of run boundaries.
// Files older than the retention window are removed at open and after each
// rotation.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	opsPrefix  = "camq"
	errsPrefix = "camq_errors"
	dayLayout  = "20060102"
	rotateSpec = "0 0 * * *"
)

var datedName = regexp.MustCompile(`^camq(?:_errors)?_(\d{8})\.log$`)

// Options configures the log channels.
type Options struct {
	// Level filters the operational channel. Error records reach the
	// error channel regardless. Default: Info.
	Level slog.Leveler
	// RetentionDays is how many days of dated files to keep. Default: 14.
	RetentionDays int
}

func (o *Options) defaults() {
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 14
	}
}

// channel is an append-only log file whose backing file can be swapped
// while writers keep logging through it.
type channel struct {
	prefix string

	mu   sync.Mutex
	f    *os.File
	path string
}

func (c *channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return 0, os.ErrClosed
	}
	return c.f.Write(p)
}

func (c *channel) reopen(dir string, day time.Time) error {
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", c.prefix, day.Format(dayLayout)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runlog: open %s: %w", path, err)
	}

	c.mu.Lock()
	old := c.f
	c.f = f
	c.path = path
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (c *channel) currentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// fanout delegates each record to every handler that accepts its level.
// It is how one logger feeds both channels without double bookkeeping at
// call sites.
type fanout struct {
	handlers []slog.Handler
}

func (f fanout) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return fanout{handlers: hs}
}

func (f fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return fanout{handlers: hs}
}

// Files is the pair of live log channels plus their rotation schedule.
type Files struct {
	dir       string
	retention int
	ops       *channel
	errs      *channel
	logger    *slog.Logger
	cron      *cron.Cron
}

// Open creates dir if needed, opens today's files, sweeps expired ones and
// starts the midnight rotation schedule. Close releases everything.
func Open(dir string, opts Options) (*Files, error) {
	opts.defaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", dir, err)
	}

	f := &Files{
		dir:       dir,
		retention: opts.RetentionDays,
		ops:       &channel{prefix: opsPrefix},
		errs:      &channel{prefix: errsPrefix},
	}
	now := time.Now()
	if err := f.ops.reopen(dir, now); err != nil {
		return nil, err
	}
	if err := f.errs.reopen(dir, now); err != nil {
		f.ops.close()
		return nil, err
	}
	if _, err := f.Sweep(now); err != nil {
		f.Close()
		return nil, err
	}

	opsH := slog.NewJSONHandler(f.ops, &slog.HandlerOptions{Level: opts.Level})
	errH := slog.NewJSONHandler(f.errs, &slog.HandlerOptions{Level: slog.LevelError})
	f.logger = slog.New(fanout{handlers: []slog.Handler{opsH, errH}})

	f.cron = cron.New()
	if _, err := f.cron.AddFunc(rotateSpec, func() {
		if err := f.Rotate(time.Now()); err != nil {
			slog.Error("runlog: rotate", "error", err)
		}
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("runlog: schedule rotation: %w", err)
	}
	f.cron.Start()

	return f, nil
}

// Logger returns the logger feeding both channels. Records at Error and
// above land in the error file as well as the operational file.
func (f *Files) Logger() *slog.Logger { return f.logger }

// Paths returns the files currently being written.
func (f *Files) Paths() (ops, errs string) {
	return f.ops.currentPath(), f.errs.currentPath()
}

// Rotate swaps both channels onto the files dated by now and sweeps
// expired ones. The midnight schedule calls this; it is exported so
// operators (and tests) can force a rotation.
func (f *Files) Rotate(now time.Time) error {
	if err := f.ops.reopen(f.dir, now); err != nil {
		return err
	}
	if err := f.errs.reopen(f.dir, now); err != nil {
		return err
	}
	_, err := f.Sweep(now)
	return err
}

// Sweep removes dated log files older than the retention window, skipping
// whichever files are currently open. Returns how many were removed.
func (f *Files) Sweep(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -f.retention)
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("runlog: sweep %s: %w", f.dir, err)
	}

	opsPath, errsPath := f.Paths()
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := datedName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		day, err := time.ParseInLocation(dayLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(f.dir, e.Name())
		if path == opsPath || path == errsPath {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("runlog: sweep %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Close stops the rotation schedule and closes both channels.
func (f *Files) Close() error {
	if f.cron != nil {
		f.cron.Stop()
	}
	err := f.ops.close()
	if err2 := f.errs.close(); err == nil {
		err = err2
	}
	return err
}
