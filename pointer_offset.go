package shmipc

import "fmt"

// MaxSegments bounds the number of sub-segments a resizable data segment
// may grow to, so that a SegmentID always fits in a byte (spec.md §4.7).
const MaxSegments = 255

// SegmentID tags which data segment a PointerOffset belongs to.
type SegmentID uint8

// PointerOffset is a (segment id, byte offset) pair packed into a single
// 64-bit machine word, the only datum that ever crosses a connection
// (spec.md §3, §6). The low byte carries the segment id; the remaining
// 56 bits carry the byte offset from the start of the segment's payload
// region. 56 bits of offset is far beyond any realistic shared memory
// segment and keeps the encoding a single atomic-friendly word.
type PointerOffset uint64

// NewPointerOffset packs a segment id and byte offset into one word.
func NewPointerOffset(segment SegmentID, offset uint64) PointerOffset {
	return PointerOffset(uint64(segment) | (offset << 8))
}

// Segment returns the segment id component.
func (p PointerOffset) Segment() SegmentID {
	return SegmentID(p & 0xFF)
}

// Offset returns the byte-offset component.
func (p PointerOffset) Offset() uint64 {
	return uint64(p) >> 8
}

func (p PointerOffset) String() string {
	return fmt.Sprintf("PointerOffset{segment: %d, offset: %d}", p.Segment(), p.Offset())
}
