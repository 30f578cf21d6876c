// Package ringqueue implements the two single-producer/single-consumer
// index queues of spec.md §4.2 (C2): a bounded queue that rejects a push
// once full, and a bounded queue that evicts its oldest entry instead.
//
// Both variants generalize the teacher's internal/fifo.Fifo from a byte
// ring to a ring of machine words (PointerOffset values, see
// pointer_offset.go at the module root), and replace its plain
// readPos/writePos indices with atomic head/tail counters so push and
// pop can run from two different threads — or, as spec.md §9 requires,
// two different processes mapping the same shared-memory region at
// different virtual addresses — without a lock.
//
// Both types store their head/tail counters and their ring of slots in
// a plain []byte rather than Go-native fields, addressed by byte offset
// rather than by pointer (spec.md §9: "position-independent"). New and
// NewOverflowing allocate that backing buffer on the Go heap for
// single-process use (tests, benchmarks); Bind and BindOverflowing
// attach the identical logic to a caller-supplied buffer instead — in
// production, a slice of the zero-copy connection's shared-memory
// payload (pkg/connection), so the submission and completion channels
// are real cross-process queues, not a per-process emulation of one.
package ringqueue

import (
	"sync/atomic"
	"unsafe"
)

// headerSize is the byte size of the head/tail counter pair that
// precedes a queue's ring of slots in its backing buffer.
const headerSize = 16

// ByteSize returns the number of bytes Bind/BindOverflowing require for
// a queue of the given capacity (rounded up to 1, as with New): an
// 8-byte head counter, an 8-byte tail counter, then capacity 8-byte
// slots.
func ByteSize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	return headerSize + capacity*8
}

func wordPtr(buf []byte, byteOffset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[byteOffset]))
}

// Queue is a bounded SPSC ring buffer that fails a push once full.
// Used for the completion channel, which spec.md §3 requires to never
// overflow.
type Queue struct {
	buf      []byte
	capacity uint64
}

// New creates a heap-backed queue of the given capacity. A capacity
// below 1 is rounded up to 1 (spec.md §6: zero countable limits are
// rejected by the builder and rounded up to one with a warning; the
// warning itself is the builder's responsibility, not this low-level
// type's).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return Bind(make([]byte, ByteSize(capacity)), capacity)
}

// Bind attaches a Queue to buf, which must be at least
// ByteSize(capacity) bytes — in production, a slice of the connection's
// shared-memory payload (spec.md §3, §9). A freshly mmap'd/ftruncated
// region is already zero-filled by the kernel, which is a valid empty
// queue (head == tail == 0); Bind does not zero buf itself, so reusing
// a non-fresh buffer without first zeroing it produces a queue that
// looks non-empty.
func Bind(buf []byte, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if len(buf) < ByteSize(capacity) {
		panic("ringqueue: buf too small for capacity")
	}
	return &Queue{buf: buf, capacity: uint64(capacity)}
}

func (q *Queue) headPtr() *uint64          { return wordPtr(q.buf, 0) }
func (q *Queue) tailPtr() *uint64          { return wordPtr(q.buf, 8) }
func (q *Queue) slotPtr(i uint64) *uint64  { return wordPtr(q.buf, headerSize+int(i%q.capacity)*8) }

// Capacity returns the fixed number of slots.
func (q *Queue) Capacity() int { return int(q.capacity) }

// Len returns the number of occupied slots. Racy by nature when called
// concurrently with push/pop; intended for diagnostics and HasData.
func (q *Queue) Len() int {
	return int(atomic.LoadUint64(q.tailPtr()) - atomic.LoadUint64(q.headPtr()))
}

// TryPush pushes one value, returning false if the queue is full.
// Producer-only.
func (q *Queue) TryPush(value uint64) bool {
	tail := atomic.LoadUint64(q.tailPtr())
	head := atomic.LoadUint64(q.headPtr())
	if tail-head >= q.capacity {
		return false
	}
	atomic.StoreUint64(q.slotPtr(tail), value)
	atomic.StoreUint64(q.tailPtr(), tail+1)
	return true
}

// Pop removes and returns the oldest value, or ok=false if empty.
// Consumer-only. The atomic load of tail happens-after the producer's
// atomic store of tail, so the value written by the producer is
// visible here: this is the "popped value's data writes happen-before
// the pop" guarantee of spec.md §4.2.
func (q *Queue) Pop() (value uint64, ok bool) {
	head := atomic.LoadUint64(q.headPtr())
	tail := atomic.LoadUint64(q.tailPtr())
	if head == tail {
		return 0, false
	}
	value = atomic.LoadUint64(q.slotPtr(head))
	atomic.StoreUint64(q.headPtr(), head+1)
	return value, true
}

// Overflowing is a bounded SPSC ring buffer where pushing against a full
// buffer evicts and returns the oldest entry rather than failing
// (spec.md §4.2, "safely overflowing"; used for the submission channel
// when enable_safe_overflow is set). Unlike Queue, its head counter can
// be advanced from both sides — the producer when evicting, the
// consumer when popping — so both use compare-and-swap instead of a
// plain store.
type Overflowing struct {
	buf      []byte
	capacity uint64
}

// NewOverflowing creates a heap-backed safely-overflowing queue of the
// given capacity (rounded up to 1, as with New).
func NewOverflowing(capacity int) *Overflowing {
	if capacity < 1 {
		capacity = 1
	}
	return BindOverflowing(make([]byte, ByteSize(capacity)), capacity)
}

// BindOverflowing attaches an Overflowing queue to buf, which must be
// at least ByteSize(capacity) bytes. See Bind for the shared-memory
// zeroing contract.
func BindOverflowing(buf []byte, capacity int) *Overflowing {
	if capacity < 1 {
		capacity = 1
	}
	if len(buf) < ByteSize(capacity) {
		panic("ringqueue: buf too small for capacity")
	}
	return &Overflowing{buf: buf, capacity: uint64(capacity)}
}

func (o *Overflowing) headPtr() *uint64         { return wordPtr(o.buf, 0) }
func (o *Overflowing) tailPtr() *uint64         { return wordPtr(o.buf, 8) }
func (o *Overflowing) slotPtr(i uint64) *uint64 { return wordPtr(o.buf, headerSize+int(i%o.capacity)*8) }

// Capacity returns the fixed number of slots.
func (o *Overflowing) Capacity() int { return int(o.capacity) }

// Len returns the number of occupied slots (diagnostics only).
func (o *Overflowing) Len() int {
	return int(atomic.LoadUint64(o.tailPtr()) - atomic.LoadUint64(o.headPtr()))
}

// Push always succeeds. If the queue was full it evicts the oldest
// entry and returns it as (evicted, true); otherwise (0, false).
// Producer-only.
func (o *Overflowing) Push(value uint64) (evicted uint64, didEvict bool) {
	tail := atomic.LoadUint64(o.tailPtr())
	for {
		head := atomic.LoadUint64(o.headPtr())
		if tail-head < o.capacity {
			break
		}
		// Full: evict the slot at head ourselves. A concurrent Pop may
		// be draining the same slot; whoever wins the CAS owns the
		// eviction, the loser re-reads a fresher head.
		candidate := atomic.LoadUint64(o.slotPtr(head))
		if atomic.CompareAndSwapUint64(o.headPtr(), head, head+1) {
			evicted, didEvict = candidate, true
			break
		}
	}
	atomic.StoreUint64(o.slotPtr(tail), value)
	atomic.StoreUint64(o.tailPtr(), tail+1)
	return evicted, didEvict
}

// Pop removes and returns the oldest value, or ok=false if empty.
// Consumer-only, but races safely against a producer's concurrent
// eviction in Push.
func (o *Overflowing) Pop() (value uint64, ok bool) {
	for {
		head := atomic.LoadUint64(o.headPtr())
		tail := atomic.LoadUint64(o.tailPtr())
		if head == tail {
			return 0, false
		}
		value = atomic.LoadUint64(o.slotPtr(head))
		if atomic.CompareAndSwapUint64(o.headPtr(), head, head+1) {
			return value, true
		}
	}
}
