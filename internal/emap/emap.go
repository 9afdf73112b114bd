// Package emap implements a regular file's extent map: the
// logical-page-to-physical-block mapping that the dirty page engine
// (package dpage) consults on read and rewrites on flush.
package emap

import "github.com/lcfs-project/lcfs/internal/extent"

// PageHole is returned by Lookup when a logical page has no mapping (a
// sparse hole).
const PageHole = ^uint64(0)

// Emap is one file's extent map. When ExtentLength is non-zero the file
// occupies a single run of ExtentLength contiguous physical blocks
// starting at ExtentBlock and List is unused;
// otherwise List holds the full sorted mapping.
type Emap struct {
	ExtentBlock  uint64
	ExtentLength uint32
	List         *extent.Extent
}

// NewSingle builds an emap in single-extent form.
func NewSingle(block uint64, length uint32) *Emap {
	return &Emap{ExtentBlock: block, ExtentLength: length}
}

// IsSingleExtent reports whether e is in the single-extent shortcut form.
func (e *Emap) IsSingleExtent() bool { return e != nil && e.ExtentLength > 0 }

// Lookup returns the physical block mapped to logical page, or
// (PageHole, false) if page is unmapped.
func (e *Emap) Lookup(page uint64) (uint64, bool) {
	if e == nil {
		return PageHole, false
	}
	if e.ExtentLength > 0 {
		if page < uint64(e.ExtentLength) {
			return e.ExtentBlock + page, true
		}
		return PageHole, false
	}
	ext := extent.Lookup(e.List, page)
	if ext == nil {
		return PageHole, false
	}
	return ext.Block + (page - ext.Start), true
}

// Update installs a mapping of count logical pages starting at startPage
// to count physical blocks starting at startBlock, converting out of
// single-extent form if necessary and overwriting any overlapping older
// mapping. Callers that must free the
// blocks a write displaces look them up first via Lookup, since whether a
// displaced block is even owned by this layer (rather than inherited from
// a parent) is a decision the dirty page engine makes, not the emap.
func (e *Emap) Update(startPage, startBlock uint64, count uint32) {
	e.demoteToList()
	e.List, _ = extent.Remove(e.List, startPage, count)
	e.List = extent.Add(e.List, startPage, startBlock, true, count)
}

// demoteToList converts the single-extent shortcut into list form,
// preserving the existing mapping, a no-op if already in list form.
func (e *Emap) demoteToList() {
	if e.ExtentLength == 0 {
		return
	}
	e.List = extent.Add(nil, 0, e.ExtentBlock, true, e.ExtentLength)
	e.ExtentBlock = 0
	e.ExtentLength = 0
}

// TrySingleExtent reports whether the emap's list form collapses into one
// contiguous run covering exactly [0, pageCount) and, if so, promotes the
// emap back into the single-extent shortcut and returns its starting
// block. Called by the dirty page engine after a flush that rewrote the
// whole file contiguously.
func (e *Emap) TrySingleExtent(pageCount uint64) (block uint64, ok bool) {
	if e.List == nil {
		return 0, false
	}
	if e.List.Next != nil {
		return 0, false
	}
	if e.List.Start != 0 || uint64(e.List.Count) != pageCount {
		return 0, false
	}
	e.ExtentBlock = e.List.Block
	e.ExtentLength = e.List.Count
	e.List = nil
	return e.ExtentBlock, true
}

// Truncate removes all mappings at or beyond newPageCount. In
// single-extent form it returns the freed extent describing the dropped
// blocks; in list form it returns nil, and the dropped blocks (which may
// span several extents) are enumerated with Tail before calling Truncate.
func (e *Emap) Truncate(newPageCount uint64) (freed *extent.Extent) {
	if e.ExtentLength > 0 {
		if newPageCount >= uint64(e.ExtentLength) {
			return nil
		}
		freedCount := e.ExtentLength - uint32(newPageCount)
		freed = &extent.Extent{
			Start: newPageCount, Count: freedCount,
			Block: e.ExtentBlock + newPageCount, HasBlock: true,
		}
		e.ExtentLength = uint32(newPageCount)
		return freed
	}
	var last *extent.Extent
	for ex := e.List; ex != nil; ex = ex.Next {
		last = ex
	}
	if last == nil || last.Start+uint64(last.Count) <= newPageCount {
		return nil
	}
	drop := last.Start + uint64(last.Count) - newPageCount
	e.List, _ = extent.Remove(e.List, newPageCount, uint32(drop))
	return nil
}

// Tail returns the portion of the mapping at or beyond newPageCount,
// without mutating e, so a caller can enumerate exactly which physical
// blocks a truncation is about to drop before calling Truncate.
func (e *Emap) Tail(newPageCount uint64) *extent.Extent {
	if e.ExtentLength > 0 {
		if newPageCount >= uint64(e.ExtentLength) {
			return nil
		}
		return &extent.Extent{
			Start: newPageCount, Count: e.ExtentLength - uint32(newPageCount),
			Block: e.ExtentBlock + newPageCount, HasBlock: true,
		}
	}
	var head *extent.Extent
	for ex := e.List; ex != nil; ex = ex.Next {
		s, c := ex.Start, ex.Count
		if s+uint64(c) <= newPageCount {
			continue
		}
		if s < newPageCount {
			shift := uint32(newPageCount - s)
			s = newPageCount
			c -= shift
		}
		head = extent.Add(head, s, ex.Block+(s-ex.Start), true, c)
	}
	return head
}

// Clone deep-copies e for a freshly cloned inode before the child detaches
// from its parent's storage.
func (e *Emap) Clone() *Emap {
	if e == nil {
		return nil
	}
	return &Emap{
		ExtentBlock:  e.ExtentBlock,
		ExtentLength: e.ExtentLength,
		List:         extent.Clone(e.List),
	}
}
