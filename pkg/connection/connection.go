// Package connection implements the zero-copy connection of spec.md
// §4.5 (C5): the shared management block that couples exactly one
// Sender and one Receiver, its two SPSC channels, its per-segment
// used-chunk bookkeeping, and the atomic port-state byte that governs
// acquisition and release.
//
// The management block — the port-state byte, the configuration
// mirror, and the submission/completion channels (internal/ringqueue)
// — is laid out directly in the shared region opened via pkg/storage,
// addressed by byte offset rather than by pointer so it is
// position-independent across processes (spec.md §9): every access
// goes through atomic.LoadUint64/CompareAndSwapUint64 on a *uint64
// computed from storage.Payload(), the same pattern already used for
// the state word and config mirror, now extended to the queues
// themselves (internal/ringqueue.Bind/BindOverflowing). Two processes
// mapping the same named connection therefore observe the same queue
// contents, not independent copies.
//
// The per-segment used-chunk bitmap (internal/chunkset) remains a
// process-local structure; see DESIGN.md for why that one concern is
// not yet part of the shared layout. A process-local registry lets
// every Builder.Open call for the same name within one process attach
// to the same *Connection object rather than remap the region.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ipcfabric/shmipc"
	"github.com/ipcfabric/shmipc/internal/chunkset"
	"github.com/ipcfabric/shmipc/internal/ringqueue"
	"github.com/ipcfabric/shmipc/pkg/config"
	"github.com/ipcfabric/shmipc/pkg/shmem"
	"github.com/ipcfabric/shmipc/pkg/storage"
)

// Port-state bits (spec.md §3).
const (
	bitSender               uint32 = 0x01
	bitReceiver             uint32 = 0x02
	bitMarkedForDestruction uint32 = 0x80
)

// mgmtFormatVersion guards the shared configuration-mirror layout
// below; bump it if the layout changes shape.
const mgmtFormatVersion storage.FormatVersion = 1

// Layout of the management block's shared payload: one atomic state
// word, the immutable configuration mirror (spec.md §3), then the
// submission channel's bytes, then the completion channel's bytes.
// fixedMgmtPayloadSize is everything up to (not including) the
// submission channel — always present regardless of configuration, so
// removePort can map just this much to reach the state word without
// knowing the channel sizes a particular connection negotiated.
const (
	offState              = 0
	offBufferSize         = 8
	offMaxBorrowedSamples = 16
	offEnableSafeOverflow = 24
	offSamplesPerSegment  = 32
	offNumberOfSegments   = 40
	fixedMgmtPayloadSize  = 48
)

// submissionQueueOffset is where the submission channel's bytes begin.
func submissionQueueOffset() int { return fixedMgmtPayloadSize }

// completionQueueOffset is where the completion channel's bytes begin,
// immediately after the submission channel.
func completionQueueOffset(cfg *config.Config) int {
	return submissionQueueOffset() + ringqueue.ByteSize(cfg.BufferSize)
}

// mgmtPayloadSize is the full size of the management block's shared
// payload for a connection negotiated with cfg.
func mgmtPayloadSize(cfg *config.Config) int {
	return completionQueueOffset(cfg) + ringqueue.ByteSize(cfg.CompletionChannelCapacity())
}

var registryMu sync.Mutex
var registry = make(map[string]*Connection)

// segmentDetail is the per-segment bookkeeping of spec.md §3:
// segment_details[i] holds a used_chunk_list and an atomic sample_size.
type segmentDetail struct {
	usedChunks *chunkset.Set
	sampleSize atomic.Uint64
}

// submission wraps whichever SPSC queue variant backs the submission
// channel, unifying the "fails when full" and "evicts oldest" push
// contracts behind one call site (spec.md §4.2).
type submission struct {
	plain       *ringqueue.Queue
	overflowing *ringqueue.Overflowing
}

func (s *submission) push(v uint64) (evicted uint64, didEvict, ok bool) {
	if s.overflowing != nil {
		evicted, didEvict = s.overflowing.Push(v)
		return evicted, didEvict, true
	}
	return 0, false, s.plain.TryPush(v)
}

func (s *submission) pop() (uint64, bool) {
	if s.overflowing != nil {
		return s.overflowing.Pop()
	}
	return s.plain.Pop()
}

func (s *submission) len() int {
	if s.overflowing != nil {
		return s.overflowing.Len()
	}
	return s.plain.Len()
}

func (s *submission) capacity() int {
	if s.overflowing != nil {
		return s.overflowing.Capacity()
	}
	return s.plain.Capacity()
}

// Connection is the shared block coupling one Sender and one Receiver.
type Connection struct {
	name       string
	cfg        config.Config
	storage    *storage.Storage
	submission *submission
	completion *ringqueue.Queue
	segments   []*segmentDetail
	logger     *slog.Logger
}

func newConnection(name string, cfg *config.Config, st *storage.Storage, logger *slog.Logger) *Connection {
	payload := st.Payload()

	subStart := submissionQueueOffset()
	subEnd := completionQueueOffset(cfg)
	subBuf := payload[subStart:subEnd]

	sub := &submission{}
	if cfg.EnableSafeOverflow {
		sub.overflowing = ringqueue.BindOverflowing(subBuf, cfg.BufferSize)
	} else {
		sub.plain = ringqueue.Bind(subBuf, cfg.BufferSize)
	}

	compStart := subEnd
	compEnd := mgmtPayloadSize(cfg)
	completion := ringqueue.Bind(payload[compStart:compEnd], cfg.CompletionChannelCapacity())

	segments := make([]*segmentDetail, cfg.MaxSupportedSharedMemorySegments)
	for i := range segments {
		segments[i] = &segmentDetail{usedChunks: chunkset.New(cfg.NumberOfSamplesPerSegment)}
	}

	return &Connection{
		name:       name,
		cfg:        *cfg,
		storage:    st,
		submission: sub,
		completion: completion,
		segments:   segments,
		logger:     logger.With("connection", name),
	}
}

func (c *Connection) stateWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.storage.Payload()[offState]))
}

func (c *Connection) loadState() uint32 {
	return uint32(atomic.LoadUint64(c.stateWord()))
}

func (c *Connection) casState(old, next uint32) bool {
	return atomic.CompareAndSwapUint64(c.stateWord(), uint64(old), uint64(next))
}

// acquirePort sets bit via compare-exchange, failing if already set or
// if the connection is terminally marked for destruction (spec.md
// §4.5, "Port-state acquisition").
func (c *Connection) acquirePort(bit uint32) error {
	for {
		cur := c.loadState()
		if cur&bitMarkedForDestruction != 0 {
			return fmt.Errorf("%w: connection is marked for destruction, reuse is forbidden", shmipc.ErrInternal)
		}
		if cur&bit != 0 {
			return shmipc.ErrAlreadyConnected
		}
		if c.casState(cur, cur|bit) {
			return nil
		}
	}
}

// releasePort clears bit via the compare-exchange loop of spec.md
// §4.5 ("Port release and destruction"): new = MARKED_FOR_DESTRUCTION
// if current == bit, else current &^ bit. Returns whether this call
// transitioned the connection to MARKED_FOR_DESTRUCTION.
func (c *Connection) releasePort(bit uint32) (destroyed bool) {
	for {
		cur := c.loadState()
		if cur&bitMarkedForDestruction != 0 {
			c.logger.Warn("port release on connection already marked for destruction")
			return false
		}
		var next uint32
		if cur == bit {
			next = bitMarkedForDestruction
		} else {
			next = cur &^ bit
		}
		if c.casState(cur, next) {
			return next == bitMarkedForDestruction
		}
	}
}

// detach releases bit and, if that was the last port, reacquires
// ownership of the backing storage and removes it (spec.md §4.5: "the
// detaching port reacquires ownership of the backing storage, causing
// the shared region to be removed on final drop"). Returns whether this
// call destroyed the connection.
func (c *Connection) detach(bit uint32) bool {
	if !c.releasePort(bit) {
		return false
	}
	path := c.storage.Path()

	registryMu.Lock()
	if registry[path] == c {
		delete(registry, path)
	}
	registryMu.Unlock()

	if err := c.storage.Close(); err != nil {
		c.logger.Warn("error unmapping connection storage during cleanup", "error", err)
	}
	if err := storage.Remove(path); err != nil {
		c.logger.Warn("error removing connection storage during cleanup", "error", err)
	}
	return true
}

func (c *Connection) overflowEnabled() bool { return c.cfg.EnableSafeOverflow }

// checkCompatible validates an opener's requested configuration
// against this connection's stored mirror (spec.md §4.5's
// Incompatible* family).
func (c *Connection) checkCompatible(cfg *config.Config) error {
	switch {
	case cfg.BufferSize != c.cfg.BufferSize:
		return ErrIncompatibleBufferSize
	case cfg.MaxBorrowedSamples != c.cfg.MaxBorrowedSamples:
		return ErrIncompatibleMaxBorrowedSampleSetting
	case cfg.EnableSafeOverflow != c.cfg.EnableSafeOverflow:
		return ErrIncompatibleOverflowSetting
	case cfg.NumberOfSamplesPerSegment != c.cfg.NumberOfSamplesPerSegment:
		return ErrIncompatibleNumberOfSamples
	case cfg.MaxSupportedSharedMemorySegments != c.cfg.MaxSupportedSharedMemorySegments:
		return ErrIncompatibleNumberOfSegments
	}
	return nil
}

// Builder is the shared entry point for Sender and Receiver creation
// (spec.md §4.5, "Builder"): whichever of the two arrives first
// creates the storage, the second only validates parameters.
type Builder struct {
	Name   string
	Config *config.Config
	Logger *slog.Logger
	Root   string
}

// NewBuilder returns a builder with spec.md §6 defaults, rooted at
// pkg/shmem's default path.
func NewBuilder(name string) *Builder {
	return &Builder{Name: name, Config: config.Default(), Root: shmem.DefaultRoot}
}

func (b *Builder) WithConfig(cfg *config.Config) *Builder { b.Config = cfg; return b }
func (b *Builder) WithLogger(l *slog.Logger) *Builder     { b.Logger = l; return b }
func (b *Builder) WithRoot(root string) *Builder          { b.Root = root; return b }

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// OpenSender creates or attaches to the named connection and acquires
// the Sender port.
func (b *Builder) OpenSender() (*Sender, error) {
	conn, err := b.open()
	if err != nil {
		return nil, err
	}
	if err := conn.acquirePort(bitSender); err != nil {
		return nil, err
	}
	return &Sender{conn: conn}, nil
}

// OpenReceiver creates or attaches to the named connection and
// acquires the Receiver port.
func (b *Builder) OpenReceiver() (*Receiver, error) {
	conn, err := b.open()
	if err != nil {
		return nil, err
	}
	if err := conn.acquirePort(bitReceiver); err != nil {
		return nil, err
	}
	return &Receiver{conn: conn}, nil
}

func (b *Builder) open() (*Connection, error) {
	cfg := *b.Config
	cfg.Validate(b.logger())
	if cfg.MaxSupportedSharedMemorySegments > shmipc.MaxSegments {
		return nil, fmt.Errorf("%w: %d exceeds MaxSegments", ErrIncompatibleNumberOfSegments, cfg.MaxSupportedSharedMemorySegments)
	}

	path := shmem.Name(b.Root, "", b.Name, shmem.ConnectionSuffix)

	registryMu.Lock()
	if existing, ok := registry[path]; ok {
		registryMu.Unlock()
		if err := existing.checkCompatible(&cfg); err != nil {
			return nil, err
		}
		return existing, nil
	}
	registryMu.Unlock()

	st, err := storage.OpenOrCreate(path, mgmtPayloadSize(&cfg), mgmtFormatVersion, cfg.CreationTimeout, func(payload []byte) error {
		writeConfigMirror(payload, &cfg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !st.Created {
		if err := checkConfigMirror(st.Payload(), &cfg); err != nil {
			st.Close()
			return nil, err
		}
	}

	conn := newConnection(b.Name, &cfg, st, b.logger())

	registryMu.Lock()
	if existing, ok := registry[path]; ok {
		registryMu.Unlock()
		conn.storage.Close()
		if err := existing.checkCompatible(&cfg); err != nil {
			return nil, err
		}
		return existing, nil
	}
	registry[path] = conn
	registryMu.Unlock()
	return conn, nil
}

func writeConfigMirror(payload []byte, cfg *config.Config) {
	storeU64(payload[offBufferSize:], uint64(cfg.BufferSize))
	storeU64(payload[offMaxBorrowedSamples:], uint64(cfg.MaxBorrowedSamples))
	overflow := uint64(0)
	if cfg.EnableSafeOverflow {
		overflow = 1
	}
	storeU64(payload[offEnableSafeOverflow:], overflow)
	storeU64(payload[offSamplesPerSegment:], uint64(cfg.NumberOfSamplesPerSegment))
	storeU64(payload[offNumberOfSegments:], uint64(cfg.MaxSupportedSharedMemorySegments))
}

func checkConfigMirror(payload []byte, cfg *config.Config) error {
	if got := loadU64(payload[offBufferSize:]); got != uint64(cfg.BufferSize) {
		return ErrIncompatibleBufferSize
	}
	if got := loadU64(payload[offMaxBorrowedSamples:]); got != uint64(cfg.MaxBorrowedSamples) {
		return ErrIncompatibleMaxBorrowedSampleSetting
	}
	wantOverflow := uint64(0)
	if cfg.EnableSafeOverflow {
		wantOverflow = 1
	}
	if got := loadU64(payload[offEnableSafeOverflow:]); got != wantOverflow {
		return ErrIncompatibleOverflowSetting
	}
	if got := loadU64(payload[offSamplesPerSegment:]); got != uint64(cfg.NumberOfSamplesPerSegment) {
		return ErrIncompatibleNumberOfSamples
	}
	if got := loadU64(payload[offNumberOfSegments:]); got != uint64(cfg.MaxSupportedSharedMemorySegments) {
		return ErrIncompatibleNumberOfSegments
	}
	return nil
}

func storeU64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}

func loadU64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}

// RemoveSender and RemoveReceiver apply the cleanup transition to a
// named connection without constructing a port (spec.md §4.5, "Forced
// removal"); used by caretaker-mode cleanup once a peer is known dead
// (pkg/liveness's ProcessCleaner).
func RemoveSender(name string, root string) error { return removePort(name, root, bitSender) }
func RemoveReceiver(name string, root string) error { return removePort(name, root, bitReceiver) }

func removePort(name, root string, bit uint32) error {
	path := shmem.Name(root, "", name, shmem.ConnectionSuffix)
	if !shmem.Exists(path) {
		return shmem.ErrDoesNotExist
	}
	st, err := storage.OpenOrCreate(path, fixedMgmtPayloadSize, mgmtFormatVersion, 0, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	word := (*uint64)(unsafe.Pointer(&st.Payload()[offState]))
	for {
		cur := uint32(atomic.LoadUint64(word))
		if cur&bitMarkedForDestruction != 0 {
			return nil
		}
		var next uint32
		if cur == bit {
			next = bitMarkedForDestruction
		} else {
			next = cur &^ bit
		}
		if atomic.CompareAndSwapUint64(word, uint64(cur), uint64(next)) {
			if next == bitMarkedForDestruction {
				return storage.Remove(path)
			}
			return nil
		}
	}
}

// Sender is the publisher-facing port of a zero-copy connection
// (spec.md §4.5, "Sender operations").
type Sender struct {
	conn *Connection
}

// TrySend pushes offset (tagged with its own sample_size) onto the
// submission channel. If overflow is enabled and the push evicted an
// older offset, that offset is returned so the caller (the publisher)
// can reuse its bucket.
func (s *Sender) TrySend(offset shmipc.PointerOffset, sampleSize uint64) (evicted shmipc.PointerOffset, didEvict bool, err error) {
	c := s.conn
	segID := int(offset.Segment())
	if segID < 0 || segID >= len(c.segments) {
		return 0, false, fmt.Errorf("%w: segment %d out of range", shmipc.ErrInternal, segID)
	}
	seg := c.segments[segID]

	if !c.overflowEnabled() && c.submission.len() >= c.submission.capacity() {
		return 0, false, ErrReceiveBufferFull
	}

	seg.sampleSize.CompareAndSwap(0, sampleSize)
	stored := seg.sampleSize.Load()
	if stored != sampleSize {
		return 0, false, fmt.Errorf("%w: sample_size changed from %d to %d within one connection", shmipc.ErrInternal, stored, sampleSize)
	}

	index := int(offset.Offset() / stored)
	if !seg.usedChunks.Insert(index) {
		return 0, false, ErrUsedChunkListFull
	}

	evictedRaw, didEvictRaw, ok := c.submission.push(uint64(offset))
	if !ok {
		seg.usedChunks.Remove(index)
		return 0, false, ErrReceiveBufferFull
	}
	if !didEvictRaw {
		return 0, false, nil
	}

	evictedOffset := shmipc.PointerOffset(evictedRaw)
	evictedSegID := int(evictedOffset.Segment())
	if evictedSegID < 0 || evictedSegID >= len(c.segments) {
		return 0, false, ErrConnectionCorrupted
	}
	evictedSeg := c.segments[evictedSegID]
	evictedSampleSize := evictedSeg.sampleSize.Load()
	if evictedSampleSize == 0 {
		return 0, false, ErrConnectionCorrupted
	}
	evictedIndex := int(evictedOffset.Offset() / evictedSampleSize)
	if !evictedSeg.usedChunks.Remove(evictedIndex) {
		return 0, false, ErrConnectionCorrupted
	}
	return evictedOffset, true, nil
}

// BlockingSend busy-waits with an adaptive back-off while overflow is
// disabled and the submission channel stays full, then delegates to
// TrySend. With overflow enabled, blocking has no effect (spec.md
// §4.5, §5).
func (s *Sender) BlockingSend(offset shmipc.PointerOffset, sampleSize uint64) (shmipc.PointerOffset, bool, error) {
	if s.conn.overflowEnabled() {
		return s.TrySend(offset, sampleSize)
	}
	const maxBackoff = 10 * time.Millisecond
	backoff := time.Microsecond
	for {
		evicted, didEvict, err := s.TrySend(offset, sampleSize)
		if !errors.Is(err, ErrReceiveBufferFull) {
			return evicted, didEvict, err
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Reclaim pops one entry from the completion channel, validating it
// and removing its index from the used-chunk list. ok is false if the
// completion channel was empty.
func (s *Sender) Reclaim() (offset shmipc.PointerOffset, ok bool, err error) {
	raw, hasData := s.conn.completion.Pop()
	if !hasData {
		return 0, false, nil
	}
	offset = shmipc.PointerOffset(raw)
	segID := int(offset.Segment())
	if segID < 0 || segID >= len(s.conn.segments) {
		return offset, true, ErrReceiverReturnedCorruptedPointerOffset
	}
	seg := s.conn.segments[segID]
	sampleSize := seg.sampleSize.Load()
	if sampleSize == 0 || offset.Offset()%sampleSize != 0 {
		return offset, true, ErrReceiverReturnedCorruptedPointerOffset
	}
	index := int(offset.Offset() / sampleSize)
	if !seg.usedChunks.Remove(index) {
		return offset, true, ErrReceiverReturnedCorruptedPointerOffset
	}
	return offset, true, nil
}

// AcquireUsedOffsets drains every segment's used-chunk list, invoking
// fn once per recovered offset. Unsafe/cleanup-only: valid only once
// the receiver is known dead (spec.md §4.5, §9).
func (s *Sender) AcquireUsedOffsets(fn func(shmipc.PointerOffset)) {
	for segID, seg := range s.conn.segments {
		sampleSize := seg.sampleSize.Load()
		seg.usedChunks.RemoveAll(func(index int) {
			fn(shmipc.NewPointerOffset(shmipc.SegmentID(segID), uint64(index)*sampleSize))
		})
	}
}

// ReleasePort drops the Sender port, applying the cleanup transition
// of spec.md §4.5. Returns whether this call destroyed the connection.
func (s *Sender) ReleasePort() bool { return s.conn.detach(bitSender) }

// Receiver is the subscriber-facing port of a zero-copy connection
// (spec.md §4.5, "Receiver operations").
type Receiver struct {
	conn          *Connection
	borrowCounter atomic.Int64
}

// HasData reports whether the submission channel is non-empty.
func (r *Receiver) HasData() bool { return r.conn.submission.len() > 0 }

// Receive pops one offset from the submission channel, failing with
// ErrReceiveWouldExceedMaxBorrowValue if the caller already holds
// max_borrowed_samples un-released offsets. ok is false if there was
// no data (not an error: the caller should try again later).
func (r *Receiver) Receive() (offset shmipc.PointerOffset, ok bool, err error) {
	if r.borrowCounter.Load() >= int64(r.conn.cfg.MaxBorrowedSamples) {
		return 0, false, ErrReceiveWouldExceedMaxBorrowValue
	}
	raw, hasData := r.conn.submission.pop()
	if !hasData {
		return 0, false, nil
	}
	r.borrowCounter.Add(1)
	return shmipc.PointerOffset(raw), true, nil
}

// Release pushes offset onto the completion channel and decrements
// the borrow counter. The channel is sized so this cannot fail on a
// well-formed connection (spec.md §3); ErrRetrieveBufferFull indicates
// a system bug.
func (r *Receiver) Release(offset shmipc.PointerOffset) error {
	if !r.conn.completion.TryPush(uint64(offset)) {
		return ErrRetrieveBufferFull
	}
	r.borrowCounter.Add(-1)
	return nil
}

// ReleasePort drops the Receiver port, applying the cleanup
// transition of spec.md §4.5. Returns whether this call destroyed the
// connection.
func (r *Receiver) ReleasePort() bool { return r.conn.detach(bitReceiver) }
