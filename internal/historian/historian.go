// Package historian keeps a fixed-capacity, per-owner log of closed
// positions. Each owner gets a 200-slot ring: the write cursor wraps, the
// entry counter saturates, and the oldest slot is overwritten once the ring
// is full. The wraparound overwrite is intentional — history is a bounded
// convenience view, not an audit log.
package historian

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// Capacity is the fixed number of slots per owner.
const Capacity = 200

type ring struct {
	entries [Capacity]domain.HistorianEntry
	cursor  int
	count   int
}

// Historian owns the per-owner rings.
type Historian struct {
	mu    sync.RWMutex
	rings map[common.Address]*ring
}

// New creates an empty Historian.
func New() *Historian {
	return &Historian{rings: make(map[common.Address]*ring)}
}

// Store appends an entry to the owner's ring, overwriting the slot under the
// cursor once the ring has wrapped.
func (h *Historian) Store(owner common.Address, entry domain.HistorianEntry) error {
	if owner == (common.Address{}) {
		return domain.ErrNullAddress
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rings[owner]
	if r == nil {
		r = &ring{}
		h.rings[owner] = r
	}

	r.entries[r.cursor] = entry
	r.cursor = (r.cursor + 1) % Capacity
	if r.count < Capacity {
		r.count++
	}
	return nil
}

// GetData returns the owner's fixed-size slot array and the live entry count.
// Only count slots are meaningful; slot order is "most recent overwrite wins
// at each index", not strict chronology once the ring has wrapped.
func (h *Historian) GetData(owner common.Address) ([Capacity]domain.HistorianEntry, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rings[owner]
	if r == nil {
		return [Capacity]domain.HistorianEntry{}, 0
	}
	return r.entries, r.count
}
