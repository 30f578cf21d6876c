// Package chunkset implements the used-chunk list of spec.md §4.3 (C3):
// a concurrent set over [0, N) that records which bucket indices of a
// data segment are currently in flight (loaned, enqueued, borrowed, or
// awaiting reclaim). It is the authoritative record a surviving
// publisher drains when a peer dies (spec.md §9, "Lock-free bookkeeping
// vs cycles").
//
// The set is a plain atomic bitmap, one bit per index, one word per 64
// indices, mutated with compare-and-swap loops — the same "small atomic
// mutated under CAS" idiom pkg/connection uses for its port-state word.
package chunkset

import (
	"math/bits"
	"sync/atomic"
)

// Set is a concurrent bitmap set over [0, size).
type Set struct {
	words []atomic.Uint64
	size  int
}

// New creates an empty set able to hold indices in [0, size).
func New(size int) *Set {
	n := (size + 63) / 64
	if n == 0 {
		n = 1
	}
	return &Set{words: make([]atomic.Uint64, n), size: size}
}

// Size returns the exclusive upper bound indices must stay below.
func (s *Set) Size() int { return s.size }

// Insert adds i to the set. Returns true iff i was previously absent.
func (s *Set) Insert(i int) bool {
	w, bit := i/64, uint64(1)<<uint(i%64)
	for {
		old := s.words[w].Load()
		if old&bit != 0 {
			return false
		}
		if s.words[w].CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

// Remove removes i from the set. Returns true iff i was present.
func (s *Set) Remove(i int) bool {
	w, bit := i/64, uint64(1)<<uint(i%64)
	for {
		old := s.words[w].Load()
		if old&bit == 0 {
			return false
		}
		if s.words[w].CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// Contains reports whether i is currently a member.
func (s *Set) Contains(i int) bool {
	w, bit := i/64, uint64(1)<<uint(i%64)
	return s.words[w].Load()&bit != 0
}

// RemoveAll atomically drains the set, invoking fn(i) once for every
// index that was a member at the moment its word was drained. Callers
// must only invoke this once the peer that could otherwise still be
// calling Insert is known dead (spec.md §4.3); it is not safe to race
// against a live producer.
func (s *Set) RemoveAll(fn func(i int)) {
	for w := range s.words {
		old := s.words[w].Swap(0)
		base := w * 64
		for old != 0 {
			lowest := old & (-old)
			idx := base + bits.TrailingZeros64(lowest)
			fn(idx)
			old &^= lowest
		}
	}
}
