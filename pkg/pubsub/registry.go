// Package pubsub implements the publisher/subscriber fabric of
// spec.md §4.6 (C7): connection-set reconciliation against a shared
// subscriber registry, loan/send accounting with per-bucket reference
// counts, safe-overflow cooperation with pkg/connection, and history
// replay for late joiners.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the dynamic subscriber table a Publisher reconciles its
// connection set against (spec.md §4.6, "Connection reconciliation").
// Slot ids are stable across churn, the same contract
// iceoryx2-bb/container/tests/slotmap_tests.rs exercises for its
// slotmap: a slot freed by Leave is never reused while other slots are
// still live, so a publisher can always tell "slot N now holds a
// different subscriber" from "slot N is still the same subscriber".
type Registry struct {
	mu    sync.RWMutex
	slots map[int]uuid.UUID
	next  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[int]uuid.UUID)}
}

// Join allocates a fresh slot and subscriber id.
func (r *Registry) Join() (slot int, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = uuid.New()
	slot = r.next
	r.next++
	r.slots[slot] = id
	return slot, id
}

// Leave frees slot, signalling departure to any publisher reconciling
// against this registry.
func (r *Registry) Leave(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, slot)
}

// Snapshot returns a point-in-time copy of the slot table.
func (r *Registry) Snapshot() map[int]uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]uuid.UUID, len(r.slots))
	for slot, id := range r.slots {
		out[slot] = id
	}
	return out
}
