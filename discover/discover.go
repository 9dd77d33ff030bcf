// Package discover scans a footage directory and turns segment files into
// per-camera work groups.
//
// Filenames must carry the camera identifier and capture time:
//
//	camera_<id>_<YYYYMMDD>_<HHMMSS>.<ext>
//
// Anything with a matching extension that does not parse is skipped with a
// warning; it never aborts the scan.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrUnparseable marks a filename that does not follow the segment naming
// scheme.
var ErrUnparseable = errors.New("unparseable segment name")

var (
	cameraPattern = regexp.MustCompile(`^camera_\d+`)
	stampPattern  = regexp.MustCompile(`\d{8}_\d{6}`)
)

const stampLayout = "20060102_150405"

// Segment is one discovered video file. Immutable once discovered.
type Segment struct {
	CameraID   string
	CapturedAt time.Time
	Path       string
	Size       int64
}

// Group is one camera's ordered backlog, the unit of scheduling.
// Segments are ascending by capture time and never reordered.
type Group struct {
	CameraID string
	Segments []Segment
}

// PriorityKey is the capture time of the group's oldest segment. Groups
// compare only by this key; older footage drains first.
func (g *Group) PriorityKey() time.Time {
	if len(g.Segments) == 0 {
		return time.Time{}
	}
	return g.Segments[0].CapturedAt
}

// Stats summarises one scan.
type Stats struct {
	Candidates int // files with a video extension
	Segments   int // parsed into groups
	Skipped    int // matching extension, unparseable name
	Filtered   int // excluded by the camera filter
	Groups     int
}

// Options tunes Scan. Zero value scans *.mp4 for every camera.
type Options struct {
	// Extensions lists accepted file extensions, lowercase with dot.
	Extensions []string
	// Cameras restricts the scan to these camera IDs when non-empty.
	Cameras []string
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".mp4"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ParseName extracts the camera ID and capture time from a segment
// filename (no directory part). Returns ErrUnparseable when the name does
// not follow the scheme; the caller decides whether that is a warning or a
// test failure.
func ParseName(name string) (string, time.Time, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))

	camera := cameraPattern.FindString(base)
	if camera == "" {
		return "", time.Time{}, fmt.Errorf("%w: no camera prefix in %q", ErrUnparseable, name)
	}

	stamp := stampPattern.FindString(base[len(camera):])
	if stamp == "" {
		return "", time.Time{}, fmt.Errorf("%w: no timestamp in %q", ErrUnparseable, name)
	}

	// Camera clocks are host-local; the stamp carries no zone.
	ts, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: bad timestamp %q in %q", ErrUnparseable, stamp, name)
	}

	return camera, ts, nil
}

// Scan walks root (flat or nested) and returns per-camera groups ordered by
// priority key ascending, ties broken by camera ID. Output is deterministic
// regardless of filesystem enumeration order. The only fatal condition is
// an unreadable root.
func Scan(ctx context.Context, root string, opts Options) ([]Group, *Stats, error) {
	opts.defaults()

	stats := &Stats{}
	byCamera := make(map[string][]Segment)
	wanted := make(map[string]bool, len(opts.Cameras))
	for _, c := range opts.Cameras {
		wanted[c] = true
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable root is fatal; anything below it is not.
			if path == root {
				return err
			}
			opts.Logger.Warn("skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !hasExtension(d.Name(), opts.Extensions) {
			return nil
		}
		stats.Candidates++

		camera, ts, perr := ParseName(d.Name())
		if perr != nil {
			stats.Skipped++
			opts.Logger.Warn("skipping segment with unparseable name", "path", path, "error", perr)
			return nil
		}
		if len(wanted) > 0 && !wanted[camera] {
			stats.Filtered++
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			stats.Skipped++
			opts.Logger.Warn("skipping unstatable segment", "path", path, "error", ierr)
			return nil
		}

		byCamera[camera] = append(byCamera[camera], Segment{
			CameraID:   camera,
			CapturedAt: ts,
			Path:       path,
			Size:       info.Size(),
		})
		stats.Segments++
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("discover: scan %s: %w", root, err)
	}

	groups := make([]Group, 0, len(byCamera))
	for camera, segs := range byCamera {
		sort.Slice(segs, func(i, j int) bool {
			if !segs[i].CapturedAt.Equal(segs[j].CapturedAt) {
				return segs[i].CapturedAt.Before(segs[j].CapturedAt)
			}
			return segs[i].Path < segs[j].Path
		})
		groups = append(groups, Group{CameraID: camera, Segments: segs})
	}
	sort.Slice(groups, func(i, j int) bool {
		pi, pj := groups[i].PriorityKey(), groups[j].PriorityKey()
		if !pi.Equal(pj) {
			return pi.Before(pj)
		}
		return groups[i].CameraID < groups[j].CameraID
	})
	stats.Groups = len(groups)

	return groups, stats, nil
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
