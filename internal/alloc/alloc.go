// Package alloc implements the lcfs block allocator: the global
// device-wide free-extent pool, per-layer reservations carved from it,
// and the deferred-freeing discipline that lets readers holding
// already-overwritten blocks finish safely.
package alloc

import (
	"errors"
	"sync"

	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// Reserve is the preferred chunk size carved from the global pool into a
// layer's reservation at a time, to keep per-allocation contention on
// G.alock low.
const Reserve = 8192

// ErrNoSpace is returned when neither the requested count nor the
// preferred Reserve-sized chunk can be carved from the global pool.
var ErrNoSpace = errors.New("lcfs: no space left on device")

// GlobalPool is the device-wide free-block list. All mutation happens
// under its own mutex.
type GlobalPool struct {
	mu   sync.Mutex
	free *extent.Extent
}

// NewGlobalPool seeds the pool with extents covering
// [startBlock, startBlock+totalBlocks).
func NewGlobalPool(startBlock, totalBlocks uint64) *GlobalPool {
	g := &GlobalPool{}
	for totalBlocks > 0 {
		n := uint32(1 << 31)
		if totalBlocks < uint64(n) {
			n = uint32(totalBlocks)
		}
		g.free = extent.Add(g.free, startBlock, 0, false, n)
		startBlock += uint64(n)
		totalBlocks -= uint64(n)
	}
	return g
}

// reserve carves at least count blocks from the global pool, preferring a
// Reserve-sized chunk so the caller can stash the remainder into its own
// reservation and avoid re-locking G.alock on the next allocation.
func (g *GlobalPool) reserve(count uint32) (start uint64, got uint32, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := count
	if want < Reserve {
		want = Reserve
	}
	if s, nh, ok := extent.Carve(g.free, want); ok {
		g.free = nh
		return s, want, nil
	}
	if s, nh, ok := extent.Carve(g.free, count); ok {
		g.free = nh
		return s, count, nil
	}
	return 0, 0, ErrNoSpace
}

// release returns count blocks starting at start to the global pool.
func (g *GlobalPool) release(start uint64, count uint32) {
	if count == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.free = extent.Add(g.free, start, 0, false, count)
}

// AllocExact carves exactly count contiguous blocks straight from the
// global pool, bypassing the Reserve-sized over-carve. The checkpoint
// writer uses it for chain blocks so the free list it is about to
// serialise is not perturbed by a large reservation.
func (g *GlobalPool) AllocExact(count uint32) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, nh, ok := extent.Carve(g.free, count); ok {
		g.free = nh
		return s, nil
	}
	return 0, ErrNoSpace
}

// FreeBlocks reports the number of unallocated blocks remaining.
func (g *GlobalPool) FreeBlocks() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return extent.TotalCount(g.free)
}

// HasSpace reports whether the pool can satisfy a request for need
// blocks, reserving an additional sb.LayerMinBlocks headroom when the
// request is on behalf of creating a new layer.
func (g *GlobalPool) HasSpace(need uint64, forLayerCreate bool) bool {
	min := need
	if forLayerCreate {
		min += sb.LayerMinBlocks
	}
	return g.FreeBlocks() >= min
}

// Free exposes the raw free list for flush/read (package sb chain
// helpers operate on *extent.Extent directly).
func (g *GlobalPool) Free() *extent.Extent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.free
}

// SetFree replaces the free list wholesale, used when restoring state from
// disk at mount.
func (g *GlobalPool) SetFree(head *extent.Extent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.free = head
}

// LayerPool is a single layer's allocator state: F.extents (reservation),
// F.aextents (allocated, non-root only) and F.fextents (freed-pending),
// each guarded by F.alock.
type LayerPool struct {
	mu     sync.Mutex
	global *GlobalPool
	isRoot bool

	reserved     *extent.Extent
	allocated    *extent.Extent
	freedPending *extent.Extent

	dirty bool
}

// NewLayerPool creates an allocator for one layer. isRoot must be true
// only for the root layer, whose allocated list is not tracked.
func NewLayerPool(g *GlobalPool, isRoot bool) *LayerPool {
	return &LayerPool{global: g, isRoot: isRoot}
}

// Alloc allocates count contiguous blocks to the layer: first from the
// layer's reservation, then by carving a fresh Reserve-sized chunk from
// the global pool, recording the allocation in the layer's allocated
// list as it goes.
func (l *LayerPool) Alloc(count uint32) (uint64, error) {
	l.mu.Lock()
	if s, nh, ok := extent.Carve(l.reserved, count); ok {
		l.reserved = nh
		l.record(s, count)
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	start, got, err := l.global.reserve(count)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if got > count {
		l.reserved = extent.Add(l.reserved, start+uint64(count), 0, false, got-count)
	}
	l.record(start, count)
	return start, nil
}

// record charges a freshly carved allocation to the layer's books. Caller
// holds l.mu.
func (l *LayerPool) record(start uint64, count uint32) {
	if !l.isRoot {
		l.allocated = extent.Add(l.allocated, start, 0, false, count)
	}
	l.dirty = true
}

// Free moves count blocks starting at start into the layer's
// freed-pending list; they are not returned to the global pool until
// Checkpoint, so concurrent readers holding stale block numbers can still
// complete.
func (l *LayerPool) Free(start uint64, count uint32) {
	if count == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isRoot {
		l.allocated, _ = extent.Remove(l.allocated, start, count)
	}
	l.freedPending = extent.Add(l.freedPending, start, 0, false, count)
	l.dirty = true
}

// Checkpoint returns all freed-pending blocks to the global pool. Called
// once the superblock referencing the older metadata has been rewritten.
func (l *LayerPool) Checkpoint() {
	l.mu.Lock()
	pending := l.freedPending
	l.freedPending = nil
	l.mu.Unlock()
	for e := pending; e != nil; e = e.Next {
		l.global.release(e.Start, e.Count)
	}
}

// Reclaim drops the layer's unused reservation back to the global pool
// under space pressure. This loses the reservation but not correctness.
func (l *LayerPool) Reclaim() {
	l.mu.Lock()
	res := l.reserved
	l.reserved = nil
	l.mu.Unlock()
	for e := res; e != nil; e = e.Next {
		l.global.release(e.Start, e.Count)
	}
}

// ReleaseAll returns every block the layer holds (reservation,
// allocated, and freed-pending) to the global pool, discarding layer
// bookkeeping. Used when deleting a layer.
func (l *LayerPool) ReleaseAll() {
	l.mu.Lock()
	lists := [3]*extent.Extent{l.reserved, l.allocated, l.freedPending}
	l.reserved, l.allocated, l.freedPending = nil, nil, nil
	l.mu.Unlock()
	for _, head := range lists {
		for e := head; e != nil; e = e.Next {
			l.global.release(e.Start, e.Count)
		}
	}
}

// SetAllocated replaces the layer's allocated-extent list wholesale,
// used when restoring a layer from its on-disk superblock at mount.
func (l *LayerPool) SetAllocated(head *extent.Extent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocated = head
}

// Allocated exposes the layer's allocated-extent list.
func (l *LayerPool) Allocated() *extent.Extent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated
}

// Reserved exposes the layer's current reservation.
func (l *LayerPool) Reserved() *extent.Extent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Dirty reports whether the layer's extent lists have changed since the
// last flush, and clears the flag.
func (l *LayerPool) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.dirty
	l.dirty = false
	return d
}
