package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// lockOwner is the metadata written inside the lock directory so a later
// run can tell a live holder from a crashed one.
type lockOwner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// acquireLock takes the run lock under stateDir. os.Mkdir is the atomic
// primitive: only one process can create the directory. A lock whose owner
// is dead, or whose owner file never got written, is reclaimed with a
// warning.
func acquireLock(stateDir string, log *slog.Logger) (release func(), err error) {
	dir := filepath.Join(stateDir, "lock")
	ownerPath := filepath.Join(dir, "owner.json")

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			host, _ := os.Hostname()
			data, _ := json.Marshal(lockOwner{
				PID:       os.Getpid(),
				Hostname:  host,
				StartedAt: time.Now().UTC(),
			})
			if err := os.WriteFile(ownerPath, data, 0o644); err != nil {
				os.RemoveAll(dir)
				return nil, fmt.Errorf("orchestrator: write lock owner: %w", err)
			}
			return func() { os.RemoveAll(dir) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("orchestrator: create lock: %w", err)
		}

		owner, readErr := readLockOwner(ownerPath)
		if readErr == nil && processAlive(owner.PID) {
			return nil, fmt.Errorf("orchestrator: state dir locked by pid %d on %s since %s",
				owner.PID, owner.Hostname, owner.StartedAt.Format(time.RFC3339))
		}
		if readErr != nil {
			log.Warn("orchestrator: reclaiming lock with unreadable owner", "dir", dir, "error", readErr)
		} else {
			log.Warn("orchestrator: reclaiming stale lock",
				"dir", dir,
				"pid", owner.PID,
				"started_at", owner.StartedAt,
			)
		}

		// Reclaim by renaming the stale directory aside. The rename is the
		// arbiter when two processes race over the same stale lock: exactly
		// one wins, the loser loops and runs into the winner's fresh lock.
		// Removing first would let the loser delete the winner's lock.
		grave := dir + ".stale"
		if err := os.RemoveAll(grave); err != nil {
			return nil, fmt.Errorf("orchestrator: reclaim stale lock: %w", err)
		}
		if err := os.Rename(dir, grave); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("orchestrator: reclaim stale lock: %w", err)
		}
		os.RemoveAll(grave)
	}
	return nil, errors.New("orchestrator: could not acquire run lock")
}

func readLockOwner(path string) (*lockOwner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o lockOwner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	// A non-positive PID must never be signalled: 0 targets our own
	// process group.
	if o.PID <= 0 {
		return nil, fmt.Errorf("bad lock owner pid %d", o.PID)
	}
	return &o, nil
}

// processAlive probes the PID with signal 0. Locks from another host cannot
// be probed; an existing PID on this host counts as alive.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM answers "exists, not ours". Only ESRCH proves the pid is gone.
	return errors.Is(err, syscall.EPERM)
}
