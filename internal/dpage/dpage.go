// Package dpage implements lcfs's dirty page engine: the per-inode table
// of not-yet-flushed page writes, and the logic that turns them into
// contiguous runs of newly allocated blocks at flush time.
package dpage

import (
	"sort"
	"sync"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/emap"
	"github.com/lcfs-project/lcfs/internal/extent"
)

// MaxDirtyPages bounds how many dirty pages a single inode accumulates
// before a write forces an early flush.
const MaxDirtyPages = 1024

// page is one dirty logical block: a full-block buffer plus the
// sub-range [poffset, poffset+psize) that has actually been written, so
// a short write doesn't require reading the rest of the block up front.
type page struct {
	data    device.Block
	poffset uint16
	psize   uint16
}

// Table is one regular file's dirty page set, a sparse map keyed by
// file page number so huge files with a handful of dirty pages cost
// only what they dirty.
type Table struct {
	mu    sync.Mutex
	pages map[uint64]*page
}

// New returns an empty dirty page table.
func New() *Table {
	return &Table{pages: make(map[uint64]*page)}
}

// Write stores buf at byte offset off within logical page pg, merging
// with any existing dirty data for that page. off+len(buf) must not
// exceed device.BlockSize.
func (t *Table) Write(pg uint64, off int, buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[pg]
	if !ok {
		p = &page{poffset: uint16(off), psize: uint16(len(buf))}
		t.pages[pg] = p
	} else {
		lo, hi := int(p.poffset), int(p.poffset)+int(p.psize)
		if off < lo {
			lo = off
		}
		if off+len(buf) > hi {
			hi = off + len(buf)
		}
		p.poffset, p.psize = uint16(lo), uint16(hi-lo)
	}
	copy(p.data[off:], buf)
}

// Read returns the dirty bytes for page pg and whether any are dirty.
// The caller is responsible for merging this with the on-disk block
// outside [poffset, poffset+psize).
func (t *Table) Read(pg uint64) (data *device.Block, poffset, psize int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[pg]
	if !ok {
		return nil, 0, 0, false
	}
	return &p.data, int(p.poffset), int(p.psize), true
}

// Len reports the number of dirty pages.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}

// NeedsFlush reports whether the table has accumulated enough dirty
// pages to force a flush before the caller's write completes.
func (t *Table) NeedsFlush() bool {
	return t.Len() >= MaxDirtyPages
}

// Run is one contiguous span of logical pages flushed to one contiguous
// span of newly allocated physical blocks.
type Run struct {
	StartPage  uint64
	StartBlock uint64
	Count      uint32
}

// Flush allocates blocks for every contiguous run of dirty pages, writes
// them through dev, updates em with the new mapping, and clears the
// table. Blocks an updated mapping displaces are handed back to pool as
// deferred frees, so an overwritten file never strands its old blocks.
// fillHole is called to obtain the on-disk contents of a page that is
// only partially dirty (nil if the page has no prior mapping, a sparse
// hole); it is typically backed by the block cache and em.Lookup.
func (t *Table) Flush(dev *device.Device, pool *alloc.LayerPool, em *emap.Emap, fillHole func(pg uint64) (*device.Block, bool)) ([]Run, error) {
	t.mu.Lock()
	pages := make([]uint64, 0, len(t.pages))
	for pg := range t.pages {
		pages = append(pages, pg)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	t.mu.Unlock()

	var runs []Run
	i := 0
	for i < len(pages) {
		j := i + 1
		for j < len(pages) && pages[j] == pages[j-1]+1 {
			j++
		}
		run, err := t.flushRun(dev, pool, pages[i:j], fillHole)
		if err != nil {
			return nil, err
		}
		var displaced *extent.Extent
		for p := uint64(0); p < uint64(run.Count); p++ {
			if blk, ok := em.Lookup(run.StartPage + p); ok {
				displaced = extent.Add(displaced, blk, 0, false, 1)
			}
		}
		em.Update(run.StartPage, run.StartBlock, run.Count)
		for e := displaced; e != nil; e = e.Next {
			pool.Free(e.Start, e.Count)
		}
		runs = append(runs, run)
		i = j
	}

	t.mu.Lock()
	for _, pg := range pages {
		delete(t.pages, pg)
	}
	t.mu.Unlock()
	return runs, nil
}

// flushRun allocates and writes one contiguous span of dirty pages.
func (t *Table) flushRun(dev *device.Device, pool *alloc.LayerPool, pages []uint64, fillHole func(pg uint64) (*device.Block, bool)) (Run, error) {
	count := uint32(len(pages))
	start, err := pool.Alloc(count)
	if err != nil {
		return Run{}, err
	}

	blocks := make([]*device.Block, len(pages))
	for i, pg := range pages {
		t.mu.Lock()
		p := t.pages[pg]
		t.mu.Unlock()

		blk := p.data
		if p.poffset != 0 || int(p.poffset)+int(p.psize) != device.BlockSize {
			if hole, ok := fillHole(pg); ok && hole != nil {
				if p.poffset != 0 {
					copy(blk[:p.poffset], hole[:p.poffset])
				}
				tailStart := int(p.poffset) + int(p.psize)
				if tailStart < device.BlockSize {
					copy(blk[tailStart:], hole[tailStart:])
				}
			}
		}
		blocks[i] = &blk
	}
	if err := dev.WriteBlocks(blocks, start); err != nil {
		return Run{}, err
	}
	return Run{StartPage: pages[0], StartBlock: start, Count: count}, nil
}

// Truncate drops every dirty page at or beyond newPageCount. The
// caller handles the surviving partial tail page (zero-filling beyond
// the new end) since only it knows the byte size.
func (t *Table) Truncate(newPageCount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pg := range t.pages {
		if pg >= newPageCount {
			delete(t.pages, pg)
		}
	}
}

// Clone deep-copies the table, detaching a COW-shared file's
// not-yet-flushed writes from its parent's.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := New()
	for pg, p := range t.pages {
		cp := *p
		n.pages[pg] = &cp
	}
	return n
}
