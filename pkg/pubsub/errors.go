package pubsub

import "errors"

// Errors surfaced by Publisher.Loan (spec.md §4.6 "Loan").
var (
	ErrExceedsMaxLoanedSamples  = errors.New("pubsub: loan would exceed max_loaned_samples")
	ErrPublisherLoanOutOfMemory = errors.New("pubsub: loan failed, data segment is out of memory")
)

// ErrConnectionBrokenSincePublisherNoLongerExists is returned by Send
// once the publisher has been closed (spec.md §4.6 "Send", step 1).
var ErrConnectionBrokenSincePublisherNoLongerExists = errors.New("pubsub: publisher is no longer active")
