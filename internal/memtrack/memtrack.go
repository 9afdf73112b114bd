// Package memtrack implements lcfs's per-layer, per-type memory
// accounting: every allocation the core makes is tagged with
// a Kind, charged to a layer, and rolled up globally so the cleaner thread
// can decide when to run its reclaim pass and when to make writers wait.
package memtrack

import (
	"sync"
	"sync/atomic"
)

// Kind tags what an accounted allocation is for.
type Kind int

const (
	KindInode Kind = iota
	KindDirent
	KindExtent
	KindData
	KindXattr
	KindEmap
	KindPage
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindInode:
		return "inode"
	case KindDirent:
		return "dirent"
	case KindExtent:
		return "extent"
	case KindData:
		return "data"
	case KindXattr:
		return "xattr"
	case KindEmap:
		return "emap"
	case KindPage:
		return "page"
	default:
		return "unknown"
	}
}

// perKind holds the running byte and allocation counts for one Kind.
type perKind struct {
	bytes atomic.Int64
	count atomic.Int64
}

// Layer accumulates memory accounting for a single layer. The global
// filesystem state keeps one additional Layer instance representing the
// device-wide total.
type Layer struct {
	kinds [kindCount]perKind
	total atomic.Int64
}

// Alloc charges n bytes of Kind k to l. Tests may use a bare *Layer
// with no parent Tracker.
func (l *Layer) Alloc(k Kind, n int64) {
	l.kinds[k].bytes.Add(n)
	l.kinds[k].count.Add(1)
	l.total.Add(n)
}

// Free is the inverse of Alloc.
func (l *Layer) Free(k Kind, n int64) {
	l.kinds[k].bytes.Add(-n)
	l.kinds[k].count.Add(-1)
	l.total.Add(-n)
}

// Bytes returns the bytes currently charged to kind k.
func (l *Layer) Bytes(k Kind) int64 { return l.kinds[k].bytes.Load() }

// Count returns the live allocation count for kind k.
func (l *Layer) Count(k Kind) int64 { return l.kinds[k].count.Load() }

// Total returns the total bytes charged to l across all kinds.
func (l *Layer) Total() int64 { return l.total.Load() }

// Tracker is the global memory tracker: it owns the device-wide Layer and
// publishes the low-memory / must-wait signals the cleaner and write path
// consult.
type Tracker struct {
	Global Layer

	limit         int64
	lowRatio      float64
	mustWaitRatio float64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewTracker creates a tracker with the given byte Limit. lowRatio and
// mustWaitRatio are fractions of Limit (e.g. 0.8 and 0.95) above which
// LowMemory and MustWait respectively become true.
func NewTracker(limit int64, lowRatio, mustWaitRatio float64) *Tracker {
	t := &Tracker{limit: limit, lowRatio: lowRatio, mustWaitRatio: mustWaitRatio}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// LowMemory reports whether total accounted usage has crossed the
// low-memory threshold; the cleaner thread (package bg) runs its
// reservation-reclaim pass only while this is true. No cache pages are
// evicted on it.
func (t *Tracker) LowMemory() bool {
	return float64(t.Global.Total()) >= t.lowRatio*float64(t.limit)
}

// MustWait reports whether usage is so high that new write-path
// allocations must block until memory is returned.
func (t *Tracker) MustWait() bool {
	return float64(t.Global.Total()) >= t.mustWaitRatio*float64(t.limit)
}

// Wait blocks the calling goroutine until MustWait is false or until
// signalled by Release. Write-path callers park here under memory
// pressure instead of failing the request.
func (t *Tracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.MustWait() {
		t.cond.Wait()
	}
}

// Release wakes any goroutine blocked in Wait; called by the cleaner
// thread at the end of each reclaim pass.
func (t *Tracker) Release() {
	t.cond.Broadcast()
}
