package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ipcfabric/shmipc"
	"github.com/ipcfabric/shmipc/pkg/config"
	"github.com/ipcfabric/shmipc/pkg/connection"
	"github.com/ipcfabric/shmipc/pkg/pool"
	"github.com/ipcfabric/shmipc/pkg/segment"
	"github.com/ipcfabric/shmipc/pkg/shmem"
)

// segmentState is the publisher-side per-segment bookkeeping of
// spec.md §4.6: an atomic payload_size set once on first use, and one
// reference counter per bucket. A bucket returns to the allocator only
// when its counter drops from 1 to 0.
type segmentState struct {
	payloadSize atomic.Uint64
	refCounts   []atomic.Int64
}

// subscriberConnection is a publisher's live connection to one
// subscriber slot, grounded on
// iceoryx2/src/port/details/publisher_connections.rs's per-connection
// shape: a sender port plus the identity it was opened for.
type subscriberConnection struct {
	slot         int
	subscriberID uuid.UUID
	sender       *connection.Sender
}

// Publisher owns one (possibly-growing) data segment, a reference-
// counted view of every bucket in flight, a reconciled table of
// subscriber connections, and an optional history ring (spec.md §4.6).
type Publisher struct {
	mu sync.Mutex

	name    string
	cfg     *config.Config
	root    string
	logger  *slog.Logger

	dynamic     *segment.Dynamic
	segStates   []*segmentState
	bucketSize  uint64
	registry    *Registry
	connections map[int]*subscriberConnection

	history     *historyRing
	loanCounter atomic.Int64
	isActive    atomic.Bool
}

// NewPublisher creates the data segment's first sub-segment (bucket
// layout bucketSize/maxAlignment, number_of_samples_per_segment
// buckets) and returns a publisher of topicName that reconciles its
// connections against registry. The publisher itself is not recorded
// in registry, which holds subscribers only.
func NewPublisher(topicName string, cfg *config.Config, registry *Registry, root string, logger *slog.Logger, bucketSize, maxAlignment uint64) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	segPath := shmem.Name(root, "", topicName, shmem.DataSegmentSuffix)
	dynamic := segment.NewDynamic(segPath, maxAlignment)
	if _, err := dynamic.Grow(cfg.NumberOfSamplesPerSegment, bucketSize); err != nil {
		return nil, fmt.Errorf("pubsub: creating data segment: %w", err)
	}

	p := &Publisher{
		name:        topicName,
		cfg:         cfg,
		root:        root,
		logger:      logger.With("publisher", topicName),
		dynamic:     dynamic,
		segStates:   []*segmentState{{refCounts: make([]atomic.Int64, cfg.NumberOfSamplesPerSegment)}},
		bucketSize:  bucketSize,
		registry:    registry,
		connections: make(map[int]*subscriberConnection),
	}
	if cfg.HistorySize > 0 {
		p.history = newHistoryRing(cfg.HistorySize)
	}
	p.isActive.Store(true)
	return p, nil
}

// Loan allocates a bucket for in-place write before Send (spec.md
// §4.6, "Loan"): drain completions first, then check the loan budget,
// then allocate.
func (p *Publisher) Loan(layout pool.Layout) (shmipc.PointerOffset, error) {
	p.reclaimAll()

	if p.loanCounter.Load() >= int64(p.cfg.MaxLoanedSamples) {
		return 0, ErrExceedsMaxLoanedSamples
	}

	p.mu.Lock()
	segID, rawOffset, err := p.allocateLocked(layout)
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}

	p.loanCounter.Add(1)
	return shmipc.NewPointerOffset(shmipc.SegmentID(segID), rawOffset), nil
}

// allocateLocked tries every sub-segment already grown before creating a
// new one (spec.md §4.7, C6: a resizable segment only grows once its
// existing sub-segments are exhausted), appending a matching segmentState
// for any sub-segment it creates. Caller holds p.mu.
func (p *Publisher) allocateLocked(layout pool.Layout) (segID uint8, rawOffset uint64, err error) {
	for i, state := range p.segStates {
		seg := p.dynamic.Segment(uint8(i))
		offset, allocErr := seg.Allocator().Allocate(layout)
		if allocErr != nil {
			continue
		}
		state.payloadSize.CompareAndSwap(0, layout.Size)
		index := int(offset / layout.Size)
		if !state.refCounts[index].CompareAndSwap(0, 1) {
			panic(fmt.Sprintf("pubsub: allocator handed out already-borrowed bucket %d in segment %d", index, i))
		}
		return uint8(i), offset, nil
	}

	if len(p.segStates) >= p.cfg.MaxSupportedSharedMemorySegments {
		return 0, 0, fmt.Errorf("%w: all %d segments exhausted", ErrPublisherLoanOutOfMemory, len(p.segStates))
	}

	newSeg, growErr := p.dynamic.Grow(p.cfg.NumberOfSamplesPerSegment, p.bucketSize)
	if growErr != nil {
		return 0, 0, fmt.Errorf("%w: growing a new segment: %v", ErrPublisherLoanOutOfMemory, growErr)
	}
	newState := &segmentState{refCounts: make([]atomic.Int64, p.cfg.NumberOfSamplesPerSegment)}
	p.segStates = append(p.segStates, newState)

	offset, allocErr := newSeg.Allocator().Allocate(layout)
	if allocErr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrPublisherLoanOutOfMemory, allocErr)
	}
	newState.payloadSize.CompareAndSwap(0, layout.Size)
	index := int(offset / layout.Size)
	newState.refCounts[index].CompareAndSwap(0, 1)
	return uint8(len(p.segStates) - 1), offset, nil
}

// Bucket returns the byte slice for a loaned offset, ready for the
// caller to write its payload in place (spec.md §1's zero-copy write).
func (p *Publisher) Bucket(offset shmipc.PointerOffset, sampleSize uint64) []byte {
	return p.dynamic.Segment(uint8(offset.Segment())).Bucket(offset.Offset(), sampleSize)
}

// ReturnLoan releases a loaned bucket that was never sent.
func (p *Publisher) ReturnLoan(offset shmipc.PointerOffset, layout pool.Layout) {
	p.mu.Lock()
	p.releaseRef(offset, layout.Size)
	p.mu.Unlock()
	p.loanCounter.Add(-1)
}

// Send delivers offset/sampleSize to every reconciled subscriber
// connection, following the degradation/delivery policy of the
// configuration (spec.md §4.6, "Send").
func (p *Publisher) Send(offset shmipc.PointerOffset, sampleSize uint64) (delivered int, err error) {
	if !p.isActive.Load() {
		return 0, ErrConnectionBrokenSincePublisherNoLongerExists
	}
	// The sample leaves the loaned state and enters transport; its
	// slot in the loan budget is free for a new Loan immediately.
	p.loanCounter.Add(-1)
	p.reconcile()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.history != nil {
		p.bumpRefLocked(offset, sampleSize)
		if evicted, didEvict := p.history.push(offset, sampleSize); didEvict {
			p.releaseRef(evicted, sampleSize)
		}
	}

	for _, conn := range p.connections {
		var evicted shmipc.PointerOffset
		var didEvict bool
		var sendErr error
		if p.cfg.UnableToDeliverStrategy == config.Block {
			evicted, didEvict, sendErr = conn.sender.BlockingSend(offset, sampleSize)
		} else {
			evicted, didEvict, sendErr = conn.sender.TrySend(offset, sampleSize)
		}

		switch {
		case sendErr == nil:
			p.bumpRefLocked(offset, sampleSize)
			if didEvict {
				p.releaseRef(evicted, sampleSize)
			}
			delivered++
		case errors.Is(sendErr, connection.ErrReceiveBufferFull), errors.Is(sendErr, connection.ErrUsedChunkListFull):
			// DiscardSample: silently skip a transiently-full subscriber.
		case errors.Is(sendErr, connection.ErrConnectionCorrupted):
			p.degrade(conn, sendErr)
		default:
			p.logger.Warn("send failed on subscriber connection", "subscriber", conn.subscriberID, "error", sendErr)
		}
	}

	// The loan itself held one reference; Send hands the sample off to
	// transport (history and/or each subscriber connection now hold
	// their own, bumped above), so the loan's reference is released
	// here regardless of how many connections actually took it. Only
	// once every holder has released does the bucket return to the
	// pool (spec.md §4.6: "returned to the pool allocator only when its
	// counter drops from 1 to 0").
	p.releaseRef(offset, sampleSize)

	return delivered, nil
}

func (p *Publisher) degrade(conn *subscriberConnection, err error) {
	switch p.cfg.CorruptionDegradation {
	case config.DegradationIgnore:
	case config.DegradationFail:
		panic(fmt.Sprintf("pubsub: connection to subscriber %s corrupted: %v", conn.subscriberID, err))
	default:
		p.logger.Warn("subscriber connection corrupted", "subscriber", conn.subscriberID, "error", err)
	}
}

// reclaimAll drains every connection's completion channel, returning
// reclaimed buckets to the pool once their reference count reaches 0.
func (p *Publisher) reclaimAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.connections {
		for {
			offset, ok, err := conn.sender.Reclaim()
			if !ok {
				break
			}
			if err != nil {
				p.logger.Warn("reclaim returned a corrupted offset", "subscriber", conn.subscriberID, "error", err)
				continue
			}
			state, ok := p.segmentStateFor(offset.Segment())
			if !ok {
				p.logger.Warn("reclaim returned an out-of-range segment", "subscriber", conn.subscriberID, "segment", offset.Segment())
				continue
			}
			sampleSize := state.payloadSize.Load()
			if sampleSize == 0 {
				continue
			}
			p.releaseRef(offset, sampleSize)
		}
	}
}

// segmentStateFor returns the segmentState for seg, or ok=false if seg
// was never grown (e.g. a corrupted offset from a misbehaving peer).
// Caller holds p.mu.
func (p *Publisher) segmentStateFor(seg shmipc.SegmentID) (*segmentState, bool) {
	i := int(seg)
	if i < 0 || i >= len(p.segStates) {
		return nil, false
	}
	return p.segStates[i], true
}

// reconcile re-reads the subscriber registry and brings the
// connection table in line with it (spec.md §4.6, "Connection
// reconciliation").
func (p *Publisher) reconcile() {
	snapshot := p.registry.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()

	for slot, id := range snapshot {
		if existing, ok := p.connections[slot]; ok {
			if existing.subscriberID == id {
				continue
			}
			p.teardownLocked(existing)
		}
		conn, err := p.connectLocked(slot, id)
		if err != nil {
			p.logger.Warn("failed to connect to subscriber", "slot", slot, "subscriber", id, "error", err)
			continue
		}
		p.connections[slot] = conn
		p.replayHistoryLocked(conn)
	}

	for slot, existing := range p.connections {
		if _, stillPresent := snapshot[slot]; !stillPresent {
			p.teardownLocked(existing)
			delete(p.connections, slot)
		}
	}
}

func (p *Publisher) connectLocked(slot int, id uuid.UUID) (*subscriberConnection, error) {
	name := connectionName(p.name, slot, id)
	b := connection.NewBuilder(name).WithConfig(p.cfg).WithRoot(p.root).WithLogger(p.logger)
	sender, err := b.OpenSender()
	if err != nil {
		return nil, err
	}
	return &subscriberConnection{slot: slot, subscriberID: id, sender: sender}, nil
}

// teardownLocked recovers every bucket still pinned by a departed
// subscriber via AcquireUsedOffsets, then releases the sender port.
func (p *Publisher) teardownLocked(conn *subscriberConnection) {
	conn.sender.AcquireUsedOffsets(func(offset shmipc.PointerOffset) {
		state, ok := p.segmentStateFor(offset.Segment())
		if !ok {
			p.logger.Warn("acquired used offset on out-of-range segment", "subscriber", conn.subscriberID, "segment", offset.Segment())
			return
		}
		sampleSize := state.payloadSize.Load()
		if sampleSize == 0 {
			return
		}
		p.releaseRef(offset, sampleSize)
	})
	conn.sender.ReleasePort()
}

// replayHistoryLocked pushes up to buffer_size of the most recent
// history entries into a freshly reconciled connection (spec.md §4.6,
// "History replay").
func (p *Publisher) replayHistoryLocked(conn *subscriberConnection) {
	if p.history == nil {
		return
	}
	for _, entry := range p.history.recent(p.cfg.BufferSize) {
		evicted, didEvict, err := conn.sender.TrySend(entry.offset, entry.size)
		if err != nil {
			p.logger.Warn("history replay failed", "subscriber", conn.subscriberID, "error", err)
			continue
		}
		p.bumpRefLocked(entry.offset, entry.size)
		if didEvict {
			p.releaseRef(evicted, entry.size)
		}
	}
}

func (p *Publisher) bumpRefLocked(offset shmipc.PointerOffset, sampleSize uint64) {
	state, ok := p.segmentStateFor(offset.Segment())
	if !ok {
		p.logger.Warn("bumpRef on out-of-range segment", "segment", offset.Segment())
		return
	}
	index := int(offset.Offset() / sampleSize)
	state.refCounts[index].Add(1)
}

func (p *Publisher) releaseRef(offset shmipc.PointerOffset, sampleSize uint64) {
	state, ok := p.segmentStateFor(offset.Segment())
	if !ok {
		p.logger.Warn("releaseRef on out-of-range segment", "segment", offset.Segment())
		return
	}
	index := int(offset.Offset() / sampleSize)
	if state.refCounts[index].Add(-1) == 0 {
		seg := p.dynamic.Segment(uint8(offset.Segment()))
		seg.Allocator().Deallocate(offset.Offset(), pool.Layout{Size: sampleSize, Align: 1})
	}
}

// Close deactivates the publisher, releases every subscriber
// connection's sender port, and unmaps the data segment.
func (p *Publisher) Close() error {
	p.isActive.Store(false)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.connections {
		conn.sender.ReleasePort()
	}
	return p.dynamic.Close()
}

func connectionName(topic string, slot int, id uuid.UUID) string {
	return fmt.Sprintf("%s.%d.%s", topic, slot, id)
}
