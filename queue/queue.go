// Package queue implements the per-camera job queue backed by SQLite.
//
// One table is both the queue and the completion manifest: rows move
// pending → leased → done | failed, and rows that reached done survive
// process restarts, so re-seeding an already-processed backlog is a no-op.
//
// The unit of claiming is a camera, not a segment. ClaimNext leases every
// pending segment of the chosen camera at once, which serializes per-camera
// processing (segments must run in capture order) while different cameras
// run in parallel. Cameras are ranked by their oldest pending segment, ties
// by camera ID, so the staleness of any one camera's backlog is bounded.
//
// Transient failures push the whole remaining group back to pending behind
// a visibility gate (exponential backoff). A camera is claimable only when
// all of its pending segments are visible.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS segments (
//	    path          TEXT PRIMARY KEY,
//	    camera_id     TEXT NOT NULL,
//	    captured_at   INTEGER NOT NULL,             -- milliseconds since epoch
//	    size_bytes    INTEGER NOT NULL DEFAULT 0,
//	    status        TEXT NOT NULL DEFAULT 'pending',
//	    attempts      INTEGER NOT NULL DEFAULT 0,
//	    visible_at    INTEGER NOT NULL DEFAULT 0,   -- backoff gate, milliseconds
//	    lease_owner   TEXT NOT NULL DEFAULT '',
//	    last_error    TEXT NOT NULL DEFAULT '',
//	    discovered_at INTEGER NOT NULL,
//	    completed_at  INTEGER
//	);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/smartice/camq/dbopen"
	"github.com/smartice/camq/discover"
)

// Segment statuses.
const (
	StatusPending = "pending"
	StatusLeased  = "leased"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrNoGroup is returned by ClaimNext when no camera is claimable right now
// (empty queue, everything leased, or everything behind a backoff gate).
var ErrNoGroup = errors.New("no claimable camera group")

// Item is one leased segment plus its delivery state.
type Item struct {
	discover.Segment
	// Attempts already consumed by earlier deliveries of this segment.
	Attempts int
}

// Lease is one camera's pending backlog, exclusively owned by the claimer
// until every item reaches a terminal status or the lease is handed back.
type Lease struct {
	CameraID string
	Owner    string
	Items    []Item
}

// Counts is a snapshot of queue occupancy by status.
type Counts struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Outstanding is the work that still needs a worker.
func (c Counts) Outstanding() int { return c.Pending + c.Leased }

// SeedStats summarises one Seed call.
type SeedStats struct {
	Inserted      int // new segments queued
	AlreadyDone   int // completed in a previous run, not re-queued
	AlreadyQueued int // known but not yet done (prior run interrupted)
}

// Options configures queue behaviour.
type Options struct {
	// MaxAttempts is the retry budget per segment. A segment that fails
	// transiently MaxAttempts times becomes permanently failed. Default: 3.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	// Default: 30s.
	Backoff time.Duration
	// MaxBackoff caps the doubling. Default: 10m.
	MaxBackoff time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureSchema once at startup, then Seed
// and ClaimNext as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// MaxAttempts reports the configured retry budget.
func (q *Q) MaxAttempts() int { return q.opts.MaxAttempts }

// BackoffFor returns the requeue delay after a given failed attempt
// (1-based): Backoff doubled per attempt, capped at MaxBackoff.
func (q *Q) BackoffFor(attempt int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if d > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return d
}

// EnsureSchema creates the segments table and its claim index.
func (q *Q) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS segments (
			path          TEXT PRIMARY KEY,
			camera_id     TEXT NOT NULL,
			captured_at   INTEGER NOT NULL,
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'pending',
			attempts      INTEGER NOT NULL DEFAULT 0,
			visible_at    INTEGER NOT NULL DEFAULT 0,
			lease_owner   TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT '',
			discovered_at INTEGER NOT NULL,
			completed_at  INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_segments_claim ON segments (status, camera_id, captured_at);
	`)
	return err
}

// Seed inserts discovered segments that the manifest does not already hold.
// Segments completed in a prior run are left untouched, which is what makes
// restart idempotent. Segments from an interrupted run (still pending) keep
// their attempt history.
func (q *Q) Seed(ctx context.Context, groups []discover.Group) (*SeedStats, error) {
	stats := &SeedStats{}
	now := time.Now().UnixMilli()

	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		for _, g := range groups {
			for _, s := range g.Segments {
				res, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO segments (path, camera_id, captured_at, size_bytes, discovered_at)
					VALUES (?,?,?,?,?)`,
					s.Path, s.CameraID, s.CapturedAt.UnixMilli(), s.Size, now,
				)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n == 1 {
					stats.Inserted++
					continue
				}
				var status string
				if err := tx.QueryRowContext(ctx,
					`SELECT status FROM segments WHERE path = ?`, s.Path,
				).Scan(&status); err != nil {
					return err
				}
				if status == StatusDone {
					stats.AlreadyDone++
				} else {
					stats.AlreadyQueued++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: seed: %w", err)
	}

	q.opts.Logger.Debug("queue: seeded",
		"inserted", stats.Inserted,
		"already_done", stats.AlreadyDone,
		"already_queued", stats.AlreadyQueued,
	)
	return stats, nil
}

// ClaimNext atomically leases every pending segment of the camera whose
// oldest pending segment is oldest overall (ties by camera ID). A camera is
// eligible only when none of its segments is currently leased and all of
// its pending segments are past their backoff gate. Returns ErrNoGroup when
// nothing is claimable.
func (q *Q) ClaimNext(ctx context.Context, owner string) (*Lease, error) {
	now := time.Now().UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE segments
		SET status = ?, lease_owner = ?
		WHERE status = ? AND camera_id = (
			SELECT camera_id FROM segments
			WHERE status = ?
			  AND camera_id NOT IN (SELECT camera_id FROM segments WHERE status = ?)
			GROUP BY camera_id
			HAVING MAX(visible_at) <= ?
			ORDER BY MIN(captured_at) ASC, camera_id ASC
			LIMIT 1
		)
		RETURNING path, camera_id, captured_at, size_bytes, attempts`,
		StatusLeased, owner, StatusPending, StatusPending, StatusLeased, now,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var capturedAt int64
		if err := rows.Scan(&it.Path, &it.CameraID, &capturedAt, &it.Size, &it.Attempts); err != nil {
			return nil, fmt.Errorf("queue: claim scan: %w", err)
		}
		it.CapturedAt = time.UnixMilli(capturedAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: claim rows: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoGroup
	}

	// RETURNING order is unspecified; restore strict capture order.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CapturedAt.Equal(items[j].CapturedAt) {
			return items[i].CapturedAt.Before(items[j].CapturedAt)
		}
		return items[i].Path < items[j].Path
	})

	return &Lease{CameraID: items[0].CameraID, Owner: owner, Items: items}, nil
}

// Ack marks one segment done. This is the manifest write that makes the
// segment invisible to every future run.
func (q *Q) Ack(ctx context.Context, path string) error {
	_, err := dbopen.Exec(ctx, q.db, `
		UPDATE segments
		SET status = ?, lease_owner = '', last_error = '', completed_at = ?
		WHERE path = ?`,
		StatusDone, time.Now().UnixMilli(), path,
	)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", path, err)
	}
	return nil
}

// FailPermanent marks one segment as terminally failed (unrecoverable
// input, or budget exhausted by the caller's accounting). The rest of the
// lease is untouched; the caller keeps processing it.
func (q *Q) FailPermanent(ctx context.Context, path string, attempt int, cause string) error {
	_, err := dbopen.Exec(ctx, q.db, `
		UPDATE segments
		SET status = ?, attempts = ?, last_error = ?, lease_owner = '', completed_at = ?
		WHERE path = ?`,
		StatusFailed, attempt, cause, time.Now().UnixMilli(), path,
	)
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", path, err)
	}
	return nil
}

// Requeue handles a transient failure of one segment in a lease. When the
// retry budget still has room, the failing segment and every other leased
// segment of the camera go back to pending behind the backoff gate for the
// given attempt, and Requeue reports exhausted=false: the caller must stop
// processing the lease. When this attempt used up the budget, the failing
// segment flips to failed, the rest of the lease stays leased, and
// exhausted=true: the caller keeps going with the remaining segments.
func (q *Q) Requeue(ctx context.Context, lease *Lease, path string, attempt int, cause string) (exhausted bool, err error) {
	exhausted = attempt >= q.opts.MaxAttempts
	gate := time.Now().Add(q.BackoffFor(attempt)).UnixMilli()
	now := time.Now().UnixMilli()

	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		if exhausted {
			_, err := tx.ExecContext(ctx, `
				UPDATE segments
				SET status = ?, attempts = ?, last_error = ?, lease_owner = '', completed_at = ?
				WHERE path = ?`,
				StatusFailed, attempt, cause, now, path,
			)
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE segments
			SET status = ?, attempts = ?, last_error = ?, lease_owner = '', visible_at = ?
			WHERE path = ?`,
			StatusPending, attempt, cause, gate, path,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE segments
			SET status = ?, lease_owner = '', visible_at = ?
			WHERE camera_id = ? AND status = ?`,
			StatusPending, gate, lease.CameraID, StatusLeased,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("queue: requeue %s: %w", path, err)
	}
	return exhausted, nil
}

// Release hands a camera's leased segments back to pending with no backoff,
// preserving attempt counts. Used on soft shrink and on shutdown for
// segments that never started.
func (q *Q) Release(ctx context.Context, cameraID string) error {
	_, err := dbopen.Exec(ctx, q.db, `
		UPDATE segments
		SET status = ?, lease_owner = ''
		WHERE camera_id = ? AND status = ?`,
		StatusPending, cameraID, StatusLeased,
	)
	if err != nil {
		return fmt.Errorf("queue: release %s: %w", cameraID, err)
	}
	return nil
}

// ResetLeases returns every leased segment to pending. Run once at startup:
// leases held by a crashed process must not block their cameras forever.
func (q *Q) ResetLeases(ctx context.Context) (int, error) {
	res, err := dbopen.Exec(ctx, q.db, `
		UPDATE segments SET status = ?, lease_owner = '' WHERE status = ?`,
		StatusPending, StatusLeased,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: reset leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.opts.Logger.Warn("queue: recovered leases from a previous run", "count", n)
	}
	return int(n), nil
}

// Counts reports queue occupancy by status.
func (q *Q) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM segments GROUP BY status`,
	)
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("queue: counts scan: %w", err)
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusLeased:
			c.Leased = n
		case StatusDone:
			c.Done = n
		case StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// Len returns the number of segments that still need processing.
func (q *Q) Len(ctx context.Context) (int, error) {
	c, err := q.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return c.Outstanding(), nil
}
