package pubsub

import (
	"sync"

	"github.com/ipcfabric/shmipc"
)

type historyEntry struct {
	offset shmipc.PointerOffset
	size   uint64
}

// historyRing is the optional ring of (offset, size) pairs of spec.md
// §3 ("Publisher history"): up to history_size most recent samples,
// each entry holding an extra reference on its bucket, replayed into
// every freshly reconciled subscriber connection.
type historyRing struct {
	mu      sync.Mutex
	entries []historyEntry
	cap     int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{cap: capacity}
}

// push appends an entry, evicting the oldest if the ring was full.
func (h *historyRing) push(offset shmipc.PointerOffset, size uint64) (evicted shmipc.PointerOffset, didEvict bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.cap {
		evicted, didEvict = h.entries[0].offset, true
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, historyEntry{offset: offset, size: size})
	return evicted, didEvict
}

// recent returns up to the n most recent entries, oldest first —
// "min(history_size, buffer_size) past samples, in publish order"
// per spec.md §8's history replay bound.
func (h *historyRing) recent(n int) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.entries) {
		n = len(h.entries)
	}
	start := len(h.entries) - n
	out := make([]historyEntry, n)
	copy(out, h.entries[start:])
	return out
}
