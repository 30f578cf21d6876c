// Package storage implements the named dynamic storage and init-fence
// protocol of spec.md §4.4 and §4.9 (C4/C9): a named shared region
// hosting the zero-copy connection's management block, opened with
// open-or-create semantics so that whichever of Sender/Receiver arrives
// first creates and initializes it, and the second only validates and
// attaches.
//
// The region's first 16 bytes are a small header — an atomic init-fence
// word followed by a format version — and everything after that is the
// caller-supplied payload, populated once by an Initializer callback
// that runs only for the process that created the region (spec.md
// §4.4: "the creator passes an initializer callback that receives a
// bump allocator... only after the callback returns does the creator
// publish the region as initialized").
package storage

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ipcfabric/shmipc/pkg/shmem"
)

// init-fence states, stored in the first 8 bytes of the region.
const (
	stateUninitialized uint64 = 0
	stateInitializing  uint64 = 1
	stateInitialized   uint64 = 2
)

const headerSize = 16 // 8 bytes init-fence + 8 bytes format version

// FormatVersion must match between creator and opener of a given
// payload shape; callers pick their own constant per payload type so a
// stale binary opening a newer layout fails fast with ErrVersionMismatch
// instead of misinterpreting bytes.
type FormatVersion uint64

var (
	// ErrInitializationNotYetFinalized is returned by OpenOrCreate when
	// a concurrent creator hasn't finished initializing within timeout.
	ErrInitializationNotYetFinalized = errors.New("storage: initialization not yet finalized")
	// ErrVersionMismatch is returned when an existing region's stored
	// format version doesn't match the version the opener expects.
	ErrVersionMismatch = errors.New("storage: version mismatch")
)

// Initializer populates a freshly created region's payload. It must
// return only once the payload is fully constructed; OpenOrCreate
// publishes the "initialized" fence immediately after it returns
// successfully.
type Initializer func(payload []byte) error

// Storage is a named shared region plus its init-fence header.
type Storage struct {
	region  *shmem.Region
	path    string
	Created bool // true if this call created (and initialized) the region
}

// OpenOrCreate opens the region at path, sized to headerSize+payloadSize
// bytes. If the backing file does not yet exist, this call creates it,
// runs init over the payload, and publishes the initialized fence. If
// it already exists, this call waits up to timeout for whichever
// process created it to finish initializing, validating the stored
// format version along the way.
func OpenOrCreate(path string, payloadSize int, version FormatVersion, timeout time.Duration, init Initializer) (*Storage, error) {
	region, err := shmem.OpenOrCreate(path, headerSize+payloadSize)
	if err != nil {
		return nil, err
	}

	s := &Storage{region: region, path: path, Created: region.Created}

	if region.Created && init == nil {
		region.Close()
		shmem.Remove(path)
		return nil, shmem.ErrDoesNotExist
	}

	if region.Created {
		storeU64(s.region.Data[0:8], stateInitializing)
		if err := init(s.Payload()); err != nil {
			region.Close()
			shmem.Remove(path)
			return nil, err
		}
		storeU64(s.region.Data[8:16], uint64(version))
		storeU64(s.region.Data[0:8], stateInitialized) // release: payload writes happen-before this becomes visible
		return s, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		state := loadU64(s.region.Data[0:8])
		if state == stateInitialized {
			break
		}
		if time.Now().After(deadline) {
			region.Close()
			return nil, ErrInitializationNotYetFinalized
		}
		time.Sleep(time.Millisecond)
	}

	if storedVersion := loadU64(s.region.Data[8:16]); storedVersion != uint64(version) {
		region.Close()
		return nil, ErrVersionMismatch
	}
	return s, nil
}

// Open attaches to an already-initialized region without attempting to
// create it. pkg/connection's caretaker-mode cleanup (RemoveSender/
// RemoveReceiver) does its own existence check and calls OpenOrCreate
// with a nil initializer instead.
func Open(path string, payloadSize int, version FormatVersion, timeout time.Duration) (*Storage, error) {
	if !shmem.Exists(path) {
		return nil, shmem.ErrDoesNotExist
	}
	return OpenOrCreate(path, payloadSize, version, timeout, nil)
}

// Payload returns the bytes after the header, the region the caller's
// structure lives in.
func (s *Storage) Payload() []byte {
	return s.region.Data[headerSize:]
}

// Path returns the backing file path.
func (s *Storage) Path() string { return s.path }

// Region exposes the underlying mapped region. pkg/connection does not
// use it: its port state is an atomic word inside Payload().
func (s *Storage) Region() *shmem.Region { return s.region }

// Close unmaps the region, leaving the backing file in place.
func (s *Storage) Close() error { return s.region.Close() }

// Remove deletes the backing file. Callers must Close first and must
// only call this once they own the storage (spec.md §5: ownership is
// released after creation and reacquired by "the last detacher").
func Remove(path string) error { return shmem.Remove(path) }

func storeU64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}

func loadU64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}
