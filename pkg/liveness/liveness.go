// Package liveness implements the process liveness monitor of spec.md
// §4.8 (C8): a named pair of files per monitored process — a guard file
// held write-locked for the process's lifetime, and a cleanup file that
// exists once the process has run at least once — from which any other
// process can derive the five-state table of spec.md §4.8 without ever
// talking to the monitored process directly.
//
// Grounded on the teacher's pkg/heartbeat (a consumer infers a CANopen
// node's liveness from a periodically refreshed counter without
// contacting the node) and on pkg/shmem's flock wrapper, which already
// carries the exact "lock held ⇔ process alive" contract this package
// depends on.
package liveness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ipcfabric/shmipc/pkg/shmem"
)

// State is one of the five states spec.md §4.8's table distinguishes,
// derived purely from the existence and lock state of a process's guard
// and cleanup files.
type State int

const (
	// StateDoesNotExist: neither file exists. No process has ever run
	// under this name, or a cleaner already removed both.
	StateDoesNotExist State = iota
	// StateStarting: the guard file exists but the cleanup file does
	// not yet — the process is between creating its guard and
	// finishing first-time setup.
	StateStarting
	// StateAlive: both files exist and the guard file is locked.
	StateAlive
	// StateDead: both files exist but the guard file is unlocked — the
	// owning process exited without running its own cleanup.
	StateDead
	// StateCorruptedState: the cleanup file exists but the guard file
	// does not. This combination should never arise from normal
	// operation; a ProcessCleaner or a crash mid-cleanup is the only
	// way to reach it.
	StateCorruptedState
)

func (s State) String() string {
	switch s {
	case StateDoesNotExist:
		return "DoesNotExist"
	case StateStarting:
		return "Starting"
	case StateAlive:
		return "Alive"
	case StateDead:
		return "Dead"
	case StateCorruptedState:
		return "CorruptedState"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOwnedByAnotherProcess is returned by AcquireCleaner when another
// process has already locked the cleanup file.
var ErrOwnedByAnotherProcess = errors.New("liveness: cleanup already owned by another process")

func paths(root, name string) (guardPath, cleanupPath string) {
	guardPath = shmem.Name(root, "", name, shmem.LivenessSuffix)
	cleanupPath = guardPath + ".cleanup"
	return guardPath, cleanupPath
}

// ProcessGuard marks a process alive for as long as it holds fd open:
// the write-lock on the guard file is released by the kernel the moment
// the process exits or the fd is closed, for any reason including a
// crash, which is exactly the signal ProcessMonitor reads back.
type ProcessGuard struct {
	guardPath   string
	cleanupPath string
	fd          int
}

// NewProcessGuard creates the guard file and locks it, then creates the
// cleanup file marking that this process has started at least once.
// Order matters: a reader that sees the cleanup file without the guard
// file mid-creation would wrongly conclude StateCorruptedState, so the
// guard file and its lock are established first.
func NewProcessGuard(root, name string) (*ProcessGuard, error) {
	guardPath, cleanupPath := paths(root, name)

	if err := os.MkdirAll(filepath.Dir(guardPath), 0o755); err != nil {
		return nil, fmt.Errorf("liveness: %w", err)
	}

	fd, err := unix.Open(guardPath, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("liveness: open guard file: %w", err)
	}
	if err := shmem.TryLock(fd); err != nil {
		unix.Close(fd)
		if errors.Is(err, shmem.ErrWouldBlock) {
			return nil, fmt.Errorf("liveness: guard file %s already locked by a running process", guardPath)
		}
		return nil, fmt.Errorf("liveness: lock guard file: %w", err)
	}

	cleanupFd, err := unix.Open(cleanupPath, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		shmem.Unlock(fd)
		unix.Close(fd)
		return nil, fmt.Errorf("liveness: open cleanup file: %w", err)
	}
	unix.Close(cleanupFd)

	return &ProcessGuard{guardPath: guardPath, cleanupPath: cleanupPath, fd: fd}, nil
}

// Release drops the guard lock and closes its fd, transitioning the
// observed state from Alive to Dead. It does not remove either file —
// that is ProcessCleaner's job, reserved for whoever observes Dead.
func (g *ProcessGuard) Release() error {
	shmem.Unlock(g.fd)
	return unix.Close(g.fd)
}

// Observe derives the current State of the named process by inspecting
// its guard and cleanup files, per spec.md §4.8's table. It never
// blocks and never contacts the monitored process.
func Observe(root, name string) (State, error) {
	guardPath, cleanupPath := paths(root, name)
	guardExists := shmem.Exists(guardPath)
	cleanupExists := shmem.Exists(cleanupPath)

	switch {
	case !guardExists && !cleanupExists:
		return StateDoesNotExist, nil
	case guardExists && !cleanupExists:
		return StateStarting, nil
	case !guardExists && cleanupExists:
		return StateCorruptedState, nil
	default:
		locked, err := shmem.IsLocked(guardPath)
		if err != nil {
			return StateCorruptedState, fmt.Errorf("liveness: probing guard lock: %w", err)
		}
		if locked {
			return StateAlive, nil
		}
		return StateDead, nil
	}
}

// ProcessCleaner holds the exclusive right to remove a dead process's
// guard and cleanup files. Acquiring it locks the cleanup file itself,
// so at most one process at a time can hold a ProcessCleaner for a
// given name even if several observe StateDead simultaneously.
type ProcessCleaner struct {
	guardPath   string
	cleanupPath string
	fd          int
}

// AcquireCleaner requires the process to currently observe StateDead;
// any other state is refused since cleanup is only safe once the owner
// is confirmed gone.
func AcquireCleaner(root, name string) (*ProcessCleaner, error) {
	state, err := Observe(root, name)
	if err != nil {
		return nil, err
	}
	if state != StateDead {
		return nil, fmt.Errorf("liveness: cannot clean up %q in state %s, expected Dead", name, state)
	}

	guardPath, cleanupPath := paths(root, name)
	fd, err := unix.Open(cleanupPath, unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("liveness: open cleanup file: %w", err)
	}
	if err := shmem.TryLock(fd); err != nil {
		unix.Close(fd)
		if errors.Is(err, shmem.ErrWouldBlock) {
			return nil, ErrOwnedByAnotherProcess
		}
		return nil, fmt.Errorf("liveness: lock cleanup file: %w", err)
	}

	return &ProcessCleaner{guardPath: guardPath, cleanupPath: cleanupPath, fd: fd}, nil
}

// RemoveResources deletes the guard and cleanup files. Safe to call
// even if another actor already removed one of them.
func (c *ProcessCleaner) RemoveResources() error {
	if err := removeIfExists(c.guardPath); err != nil {
		return err
	}
	return removeIfExists(c.cleanupPath)
}

// Release drops the cleaner's lock on the cleanup file. Call this if
// RemoveResources is skipped for any reason, so another process can
// retry the cleanup later.
func (c *ProcessCleaner) Release() error {
	shmem.Unlock(c.fd)
	return unix.Close(c.fd)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("liveness: removing %s: %w", path, err)
	}
	return nil
}
