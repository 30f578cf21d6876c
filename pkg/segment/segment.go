// Package segment implements the data segment addressing of spec.md
// §4.7 (C6): the shared-memory payload region(s) a publisher owns, and
// the per-process translation of (segment_id, offset) pairs to local
// virtual addresses on the subscriber side.
//
// A publisher creates a Static segment when its maximum sample size is
// fixed, or a Dynamic segment — a small family of Static sub-segments,
// each with its own segment id — when it may need to grow. Subscribers
// never create segments; they open sub-segments lazily, the first time
// an offset tagged with a not-yet-seen segment id arrives, exactly as
// spec.md describes register_and_translate_offset.
package segment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ipcfabric/shmipc/pkg/pool"
	"github.com/ipcfabric/shmipc/pkg/shmem"
)

// ErrSharedMemoryOpen is returned when a subscriber cannot open a
// sub-segment, e.g. because the publisher has not yet created it.
var ErrSharedMemoryOpen = errors.New("segment: failed to open shared memory segment")

// ErrTooManySegments is returned by Dynamic.Grow once MaxSegments (the
// module-root shmipc.MaxSegments) sub-segments already exist.
var ErrTooManySegments = errors.New("segment: too many segments, segment id would overflow a byte")

// Static is a single shared-memory payload region owned by one
// publisher, carved into fixed-size buckets by a pool.Allocator.
type Static struct {
	id        uint8
	path      string
	region    *shmem.Region
	allocator *pool.Allocator
}

// CreateStatic creates (or attaches to, if restarted with the same
// path) a static segment of numBuckets buckets of bucketSize bytes,
// owned by the caller as publisher.
func CreateStatic(path string, id uint8, numBuckets int, bucketSize, maxAlignment uint64) (*Static, error) {
	region, err := shmem.OpenOrCreate(path, numBuckets*int(bucketSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSharedMemoryOpen, err)
	}
	return &Static{
		id:        id,
		path:      path,
		region:    region,
		allocator: pool.New(numBuckets, bucketSize, maxAlignment, 0),
	}, nil
}

// ID returns the segment id this static segment was assigned.
func (s *Static) ID() uint8 { return s.id }

// Allocator returns the bucket allocator backing this segment.
func (s *Static) Allocator() *pool.Allocator { return s.allocator }

// Bucket returns the byte slice for the bucket at offset, sized to n.
func (s *Static) Bucket(offset uint64, n uint64) []byte {
	return s.region.Data[offset : offset+n]
}

// Close unmaps the segment (does not remove the backing file; the
// publisher's owning Dynamic/Publisher decides removal policy).
func (s *Static) Close() error { return s.region.Close() }

// Remove deletes the backing file for this segment's path.
func (s *Static) Remove() error { return shmem.Remove(s.path) }

// Dynamic is a resizable data segment: a sequence of Static
// sub-segments, each with a fresh segment id, added on demand as
// capacity grows (spec.md §4.7). The bucket layout may differ per
// sub-segment as the builder reacts to growth.
type Dynamic struct {
	mu           sync.Mutex
	pathPrefix   string
	segments     []*Static
	maxAlignment uint64
}

// NewDynamic creates an (initially empty) resizable segment family; the
// first sub-segment is created by the first call to Grow.
func NewDynamic(pathPrefix string, maxAlignment uint64) *Dynamic {
	return &Dynamic{pathPrefix: pathPrefix, maxAlignment: maxAlignment}
}

// Grow adds one more static sub-segment of numBuckets buckets of
// bucketSize bytes, returning it. Fails with ErrTooManySegments once the
// segment id would no longer fit in a byte.
func (d *Dynamic) Grow(numBuckets int, bucketSize uint64) (*Static, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := len(d.segments)
	if id >= 255 {
		return nil, ErrTooManySegments
	}
	path := fmt.Sprintf("%s.%d", d.pathPrefix, id)
	s, err := CreateStatic(path, uint8(id), numBuckets, bucketSize, d.maxAlignment)
	if err != nil {
		return nil, err
	}
	d.segments = append(d.segments, s)
	return s, nil
}

// Segment returns the sub-segment with the given id, or nil.
func (d *Dynamic) Segment(id uint8) *Static {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) >= len(d.segments) {
		return nil
	}
	return d.segments[id]
}

// NumberOfSegments returns how many sub-segments currently exist.
func (d *Dynamic) NumberOfSegments() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.segments)
}

// Close unmaps every sub-segment.
func (d *Dynamic) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, s := range d.segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// View is a subscriber-side lazily-opened set of read-only mappings
// onto a publisher's data segment family. Sub-segments are opened the
// first time an offset tagged with their segment id arrives.
type View struct {
	mu         sync.Mutex
	pathPrefix string
	regions    map[uint8]*shmem.Region
}

// NewView creates an empty subscriber-side view onto the data segment
// family rooted at pathPrefix (the same prefix the publisher passed to
// NewDynamic). Segment id N is opened at "<pathPrefix>.N", the path
// Dynamic.Grow gives it; a Static created directly with CreateStatic is
// found only if its path follows that pattern.
func NewView(pathPrefix string) *View {
	return &View{pathPrefix: pathPrefix, regions: make(map[uint8]*shmem.Region)}
}

// RegisterAndTranslateOffset lazily opens the sub-segment for id if not
// already mapped, then returns the local byte slice for the bucket at
// offset sized to n — the Go equivalent of the teacher's frame decoding
// from a raw byte buffer, generalized from a fixed 8-byte CAN frame to
// an arbitrary zero-copy sample.
func (v *View) RegisterAndTranslateOffset(id uint8, offset, n uint64) ([]byte, error) {
	v.mu.Lock()
	region, ok := v.regions[id]
	v.mu.Unlock()
	if !ok {
		path := fmt.Sprintf("%s.%d", v.pathPrefix, id)
		var err error
		region, err = shmem.OpenReadOnly(path, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrSharedMemoryOpen, id, err)
		}
		v.mu.Lock()
		v.regions[id] = region
		v.mu.Unlock()
	}
	if offset+n > uint64(len(region.Data)) {
		return nil, fmt.Errorf("%w: offset %d+%d exceeds segment %d size %d", ErrSharedMemoryOpen, offset, n, id, len(region.Data))
	}
	return region.Data[offset : offset+n], nil
}

// Close unmaps every sub-segment this view opened.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var firstErr error
	for _, region := range v.regions {
		if err := region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
