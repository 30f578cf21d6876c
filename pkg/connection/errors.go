package connection

import "errors"

// Errors surfaced by the builder when an existing connection's stored
// configuration mirror does not match what the opener requested
// (spec.md §4.5, "validated on open of an existing connection").
var (
	ErrIncompatibleBufferSize                 = errors.New("connection: incompatible buffer_size")
	ErrIncompatibleMaxBorrowedSampleSetting    = errors.New("connection: incompatible max_borrowed_samples")
	ErrIncompatibleOverflowSetting             = errors.New("connection: incompatible enable_safe_overflow")
	ErrIncompatibleNumberOfSamples             = errors.New("connection: incompatible number_of_samples_per_segment")
	ErrIncompatibleNumberOfSegments            = errors.New("connection: incompatible number_of_segments")
)

// Errors surfaced during transport (spec.md §7 "Send"/"Receive"/"Release"/"Reclaim").
var (
	ErrReceiveBufferFull                      = errors.New("connection: submission queue full")
	ErrUsedChunkListFull                      = errors.New("connection: offset already present in used-chunk list")
	ErrConnectionCorrupted                    = errors.New("connection: safe-overflow eviction returned an offset absent from the used-chunk list")
	ErrReceiveWouldExceedMaxBorrowValue        = errors.New("connection: receive would exceed max_borrowed_samples")
	ErrRetrieveBufferFull                     = errors.New("connection: completion queue full, connection is misconfigured")
	ErrReceiverReturnedCorruptedPointerOffset = errors.New("connection: reclaimed offset failed validation")
)
