package shmem

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when another process already
// holds the lock.
var ErrWouldBlock = errors.New("shmem: lock held by another process")

// Lock takes an exclusive, blocking advisory lock (flock(2)) on fd.
// Held for the lifetime of the owning process; released automatically
// when the process exits or the fd is closed, which is exactly the
// liveness signal pkg/liveness depends on (spec.md §4.8).
func Lock(fd int) error {
	return unix.Flock(fd, unix.LOCK_EX)
}

// TryLock attempts a non-blocking exclusive lock, returning
// ErrWouldBlock if another process already holds it.
func TryLock(fd int) error {
	err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	return err
}

// Unlock releases a lock taken by Lock/TryLock.
func Unlock(fd int) error {
	return unix.Flock(fd, unix.LOCK_UN)
}

// IsLocked probes whether the file at path is currently locked by some
// process (possibly this one) without keeping the lock itself, by
// attempting a non-blocking exclusive lock on a freshly opened
// descriptor and releasing it at once if it was granted: flock state is
// per open-file-description, so the probe conflicts with a lock held
// through any other descriptor, including one of this process. This is
// how Observe in pkg/liveness distinguishes Alive from
// Dead without racing its own guard (spec.md §4.8).
func IsLocked(path string) (locked bool, err error) {
	probeFd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return false, err
	}
	defer unix.Close(probeFd)

	err = unix.Flock(probeFd, unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	// We got the lock ourselves: nobody else holds it. Release
	// immediately, this was only a probe.
	unix.Flock(probeFd, unix.LOCK_UN)
	return false, nil
}
