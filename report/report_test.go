package report_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smartice/camq/dbopen"
	"github.com/smartice/camq/gpuhealth"
	"github.com/smartice/camq/report"
)

func newRecorder(t *testing.T, db *sql.DB) *report.Recorder {
	t.Helper()
	r := report.New(db, report.Options{})
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRecordConcurrentNoLoss(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r.Record(report.Result{
					CameraID:   fmt.Sprintf("camera_%d", w),
					Path:       fmt.Sprintf("/videos/camera_%d/seg_%d.mp4", w, i),
					Attempt:    1,
					Status:     report.StatusSucceeded,
					DurationMs: 5,
				})
			}
		}(w)
	}
	wg.Wait()

	run := r.Finalize()
	if run.Totals.Attempts != workers*perWorker {
		t.Fatalf("attempts = %d, want %d", run.Totals.Attempts, workers*perWorker)
	}
	if run.Totals.Succeeded != workers*perWorker {
		t.Fatalf("succeeded = %d, want %d", run.Totals.Succeeded, workers*perWorker)
	}
	if len(run.Results) != workers*perWorker {
		t.Fatalf("results = %d, want %d", len(run.Results), workers*perWorker)
	}
}

func TestFinalizeTotalsAndCameras(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)

	// camera_7: one segment succeeds on attempt 2 after a transient retry,
	// one segment fails permanently. camera_9: one segment times out then
	// exhausts the budget.
	r.Record(report.Result{CameraID: "camera_7", Path: "/v/a.mp4", Attempt: 1, Status: report.StatusRetried, ExitCode: 1})
	r.Record(report.Result{CameraID: "camera_7", Path: "/v/a.mp4", Attempt: 2, Status: report.StatusSucceeded, DurationMs: 40})
	r.Record(report.Result{CameraID: "camera_7", Path: "/v/b.mp4", Attempt: 1, Status: report.StatusFailed, ExitCode: 2, Detail: "unrecoverable input"})
	r.Record(report.Result{CameraID: "camera_9", Path: "/v/c.mp4", Attempt: 1, Status: report.StatusTimedOut})
	r.Record(report.Result{CameraID: "camera_9", Path: "/v/c.mp4", Attempt: 2, Status: report.StatusFailed, Detail: "retry budget exhausted"})

	run := r.Finalize()

	want := report.Totals{Segments: 3, Attempts: 5, Succeeded: 1, Failed: 2, TimedOut: 1, Retried: 1}
	if run.Totals != want {
		t.Fatalf("totals = %+v, want %+v", run.Totals, want)
	}

	if len(run.Cameras) != 2 {
		t.Fatalf("cameras = %d, want 2", len(run.Cameras))
	}
	if run.Cameras[0].CameraID != "camera_7" || run.Cameras[1].CameraID != "camera_9" {
		t.Fatalf("camera order = %s, %s", run.Cameras[0].CameraID, run.Cameras[1].CameraID)
	}
	c7 := run.Cameras[0]
	if c7.Segments != 2 || c7.Succeeded != 1 || c7.Failed != 1 || c7.Retries != 1 {
		t.Fatalf("camera_7 breakdown = %+v", c7)
	}
	c9 := run.Cameras[1]
	if c9.Segments != 1 || c9.Failed != 1 || c9.Retries != 1 {
		t.Fatalf("camera_9 breakdown = %+v", c9)
	}

	if run.DurationMs < 0 {
		t.Fatalf("duration = %d", run.DurationMs)
	}
	if !run.FinishedAt.After(run.StartedAt) && !run.FinishedAt.Equal(run.StartedAt) {
		t.Fatalf("finished %v before started %v", run.FinishedAt, run.StartedAt)
	}
}

func TestFinalizeEmptyRun(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)

	run := r.Finalize()
	if run.Totals != (report.Totals{}) {
		t.Fatalf("totals = %+v, want all zero", run.Totals)
	}
	if len(run.Results) != 0 || len(run.Cameras) != 0 {
		t.Fatalf("results = %d, cameras = %d, want 0", len(run.Results), len(run.Cameras))
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)

	r.Record(report.Result{CameraID: "camera_1", Path: "/v/a.mp4", Attempt: 1, Status: report.StatusSucceeded})
	first := r.Finalize()
	second := r.Finalize()
	if first != second {
		t.Fatal("second Finalize returned a different record")
	}
}

func TestHistoryPersisted(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)
	ctx := context.Background()

	r.Record(report.Result{CameraID: "camera_1", Path: "/v/a.mp4", Attempt: 1, Status: report.StatusSucceeded, DurationMs: 12})
	r.Record(report.Result{CameraID: "camera_1", Path: "/v/b.mp4", Attempt: 1, Status: report.StatusFailed, ExitCode: 2})
	r.Sample(gpuhealth.Snapshot{
		TemperatureC:   66,
		UtilizationPct: 80,
		MemoryUsedMB:   4000,
		MemoryTotalMB:  8000,
		Time:           time.Now(),
	}, 3)
	r.Finalize()

	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE run_id = ?`, r.RunID(),
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("results rows = %d, want 2", n)
	}

	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gpu_samples WHERE run_id = ? AND ceiling = 3`, r.RunID(),
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("gpu_samples rows = %d, want 1", n)
	}

	var succeeded, failed int
	var finished sql.NullInt64
	if err := db.QueryRowContext(ctx,
		`SELECT succeeded, failed, finished_at FROM runs WHERE run_id = ?`, r.RunID(),
	).Scan(&succeeded, &failed, &finished); err != nil {
		t.Fatal(err)
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("runs row: succeeded = %d, failed = %d", succeeded, failed)
	}
	if !finished.Valid {
		t.Fatal("runs row: finished_at not set")
	}
}

func TestWriteReport(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r := newRecorder(t, db)

	r.Record(report.Result{CameraID: "camera_2", Path: "/v/x.mp4", Attempt: 1, Status: report.StatusSucceeded, DurationMs: 7})
	run := r.Finalize()

	path := filepath.Join(t.TempDir(), "reports", "run.json")
	if err := report.Write(path, run); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Fatal("report file missing trailing newline")
	}

	var got report.Run
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != run.ID {
		t.Fatalf("run_id = %s, want %s", got.ID, run.ID)
	}
	if got.Totals.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", got.Totals.Succeeded)
	}

	// No temp residue next to the report.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("report dir has %d entries, want 1", len(entries))
	}
}
