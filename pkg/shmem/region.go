// Package shmem wraps the POSIX primitives (file-backed mmap, advisory
// file locks) that every higher layer of the core builds on: the named
// dynamic storage of spec.md §4.4, the data segment of spec.md §4.7, and
// the liveness monitor's guard files of spec.md §4.8.
//
// The teacher repo already reaches for golang.org/x/sys/unix directly
// rather than cgo (bus_manager.go uses unix.CAN_SFF_MASK); this package
// follows the same path for mmap/flock/ftruncate.
package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrDoesNotExist is returned by Open when the named resource's backing
// file is absent (spec.md §7, cleanup error kind "DoesNotExist").
var ErrDoesNotExist = errors.New("shmem: resource does not exist")

// Region is a named, file-backed memory mapping shared across
// processes. Every structure stored in it must be position-independent
// (spec.md §9): it may be mapped at a different virtual address in each
// process that opens it.
type Region struct {
	path    string
	fd      int
	Data    []byte
	Created bool // true if this call created the backing file
}

// OpenOrCreate opens the region at path, creating and sizing it to size
// bytes if absent. created reports which branch was taken; the caller
// needs this to decide whether to run an initializer (spec.md §4.4's
// init-fence protocol lives one layer up, in pkg/storage).
func OpenOrCreate(path string, size int) (*Region, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("shmem: create parent dir: %w", err)
	}

	created := true
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o644)
	if err != nil {
		if err != unix.EEXIST {
			return nil, fmt.Errorf("shmem: open %s: %w", path, err)
		}
		created = false
		fd, err = unix.Open(path, unix.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("shmem: open existing %s: %w", path, err)
		}
	}

	if created {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			os.Remove(path)
			return nil, fmt.Errorf("shmem: ftruncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if created {
			os.Remove(path)
		}
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	return &Region{path: path, fd: fd, Data: data, Created: created}, nil
}

// Open maps an existing region read-write without creating it.
// Subscriber-side data-segment views use OpenReadOnly instead.
func Open(path string, size int) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0o644)
	if err != nil {
		if err == unix.ENOENT {
			return nil, ErrDoesNotExist
		}
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return &Region{path: path, fd: fd, Data: data}, nil
}

// OpenReadOnly maps an existing region for reading only, the posture a
// subscriber takes on a publisher's data segment (spec.md §4.6:
// "Subscribers hold read views mapped lazily on first use"). size is
// discovered from the file if 0 is passed.
func OpenReadOnly(path string, size int) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, ErrDoesNotExist
		}
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	if size == 0 {
		info, statErr := os.Stat(path)
		if statErr != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shmem: stat %s: %w", path, statErr)
		}
		size = int(info.Size())
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return &Region{path: path, fd: fd, Data: data}, nil
}

// Exists reports whether the named resource's backing file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Fd exposes the underlying file descriptor, e.g. to flock it.
// pkg/liveness opens and locks its own guard files and does not use it.
func (r *Region) Fd() int { return r.fd }

// Path returns the filesystem path backing this region.
func (r *Region) Path() string { return r.path }

// Close unmaps the region and closes the file descriptor. The backing
// file is left on disk; use Remove to delete it (spec.md §5: the
// backing file is owned by "the last detacher").
func (r *Region) Close() error {
	if r.Data != nil {
		if err := unix.Munmap(r.Data); err != nil {
			return err
		}
		r.Data = nil
	}
	return unix.Close(r.fd)
}

// Remove deletes the backing file. Call after Close.
func Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
