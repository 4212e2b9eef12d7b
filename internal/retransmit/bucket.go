// Package retransmit implements C7: the per-session bucket of observed
// UDP pkg_ids and the CMD=605 flush rules (spec.md §4.7).
package retransmit

import "sync"

// Bucket collects per-packet ids pending acknowledgement to the camera.
// Safe for concurrent use (mirrors the donor's sync.RWMutex-guarded state
// structs, e.g. internal/catalog.Catalog), though callers normally already
// hold the owning session's lock.
type Bucket struct {
	mu  sync.Mutex
	ids map[uint32]struct{}
	// order preserves insertion order so a flush reports ids roughly in the
	// order they arrived; spec.md only requires set equality, but a stable
	// order makes traces easier to read.
	order []uint32
}

// New returns an empty Bucket.
func New() *Bucket {
	return &Bucket{ids: make(map[uint32]struct{})}
}

// Add records pkgID, de-duplicating repeats.
func (b *Bucket) Add(pkgID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[pkgID]; ok {
		return
	}
	b.ids[pkgID] = struct{}{}
	b.order = append(b.order, pkgID)
}

// Len reports how many distinct ids are currently pending.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush returns the pending ids (oldest-added first) and clears the
// bucket. Between two consecutive flushes the set only grows (spec.md
// §8's bucket-monotonicity property); Flush is the only thing that clears it.
func (b *Bucket) Flush() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, len(b.order))
	copy(out, b.order)
	b.ids = make(map[uint32]struct{})
	b.order = nil
	return out
}
