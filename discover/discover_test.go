package discover_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartice/camq/discover"
)

func writeSegment(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("segment"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name       string
		wantCamera string
		wantStamp  string
		wantErr    bool
	}{
		{"camera_1_20250810_153000.mp4", "camera_1", "20250810_153000", false},
		{"camera_12_20250810_153000.mp4", "camera_12", "20250810_153000", false},
		{"camera_3_20250810_153000_hd.mp4", "camera_3", "20250810_153000", false},
		{"cam_1_20250810_153000.mp4", "", "", true},
		{"camera_1_notimestamp.mp4", "", "", true},
		{"camera_1_20251388_999999.mp4", "", "", true},
		{"snapshot.mp4", "", "", true},
	}

	for _, tt := range tests {
		camera, ts, err := discover.ParseName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseName(%q): expected error, got camera=%q", tt.name, camera)
			} else if !errors.Is(err, discover.ErrUnparseable) {
				t.Errorf("ParseName(%q): error %v not ErrUnparseable", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseName(%q): %v", tt.name, err)
			continue
		}
		if camera != tt.wantCamera {
			t.Errorf("ParseName(%q) camera = %q, want %q", tt.name, camera, tt.wantCamera)
		}
		want, _ := time.ParseInLocation("20060102_150405", tt.wantStamp, time.Local)
		if !ts.Equal(want) {
			t.Errorf("ParseName(%q) ts = %v, want %v", tt.name, ts, want)
		}
	}
}

func TestScanGroupOrder(t *testing.T) {
	root := t.TempDir()

	// Shuffled creation order, nested per-day directories. Oldest segment
	// per camera decides group order: camera_2 (t0), camera_1 (t1),
	// camera_3 (t4).
	writeSegment(t, filepath.Join(root, "20250810"), "camera_3_20250810_104000.mp4")
	writeSegment(t, filepath.Join(root, "20250810"), "camera_1_20250810_103000.mp4")
	writeSegment(t, root, "camera_2_20250810_100000.mp4")
	writeSegment(t, filepath.Join(root, "20250810"), "camera_3_20250810_105000.mp4")
	writeSegment(t, root, "camera_1_20250810_101000.mp4")
	writeSegment(t, filepath.Join(root, "backlog"), "camera_2_20250810_102000.mp4")

	groups, stats, err := discover.Scan(context.Background(), root, discover.Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	wantOrder := []string{"camera_2", "camera_1", "camera_3"}
	if len(groups) != len(wantOrder) {
		t.Fatalf("got %d groups, want %d", len(groups), len(wantOrder))
	}
	for i, want := range wantOrder {
		if groups[i].CameraID != want {
			t.Errorf("group[%d] = %s, want %s", i, groups[i].CameraID, want)
		}
	}

	for _, g := range groups {
		if len(g.Segments) != 2 {
			t.Fatalf("group %s has %d segments, want 2", g.CameraID, len(g.Segments))
		}
		if g.Segments[0].CapturedAt.After(g.Segments[1].CapturedAt) {
			t.Errorf("group %s segments out of order", g.CameraID)
		}
		if !g.PriorityKey().Equal(g.Segments[0].CapturedAt) {
			t.Errorf("group %s priority key != oldest segment", g.CameraID)
		}
	}

	if stats.Segments != 6 || stats.Groups != 3 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want 6 segments in 3 groups, none skipped", stats)
	}
}

func TestScanSkipsUnparseable(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "camera_1_20250810_120000.mp4")
	writeSegment(t, root, "export_final.mp4")

	groups, stats, err := discover.Scan(context.Background(), root, discover.Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(groups) != 1 || stats.Skipped != 1 {
		t.Fatalf("groups=%d skipped=%d, want 1 group and 1 skipped", len(groups), stats.Skipped)
	}
}

func TestScanIgnoresOtherExtensions(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "camera_1_20250810_120000.mp4")
	writeSegment(t, root, "camera_1_20250810_120000.json")
	writeSegment(t, root, "notes.txt")

	groups, stats, err := discover.Scan(context.Background(), root, discover.Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if stats.Candidates != 1 {
		t.Errorf("candidates = %d, want 1 (non-video files are not candidates)", stats.Candidates)
	}
	if len(groups) != 1 || len(groups[0].Segments) != 1 {
		t.Fatalf("expected exactly one segment, got %+v", groups)
	}
}

func TestScanCameraFilter(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "camera_1_20250810_120000.mp4")
	writeSegment(t, root, "camera_2_20250810_110000.mp4")

	groups, stats, err := discover.Scan(context.Background(), root, discover.Options{
		Cameras: []string{"camera_2"},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(groups) != 1 || groups[0].CameraID != "camera_2" {
		t.Fatalf("groups = %+v, want only camera_2", groups)
	}
	if stats.Filtered != 1 {
		t.Errorf("filtered = %d, want 1", stats.Filtered)
	}
}

func TestScanMissingRoot(t *testing.T) {
	_, _, err := discover.Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), discover.Options{})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "camera_1_20250810_120000.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := discover.Scan(ctx, root, discover.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
