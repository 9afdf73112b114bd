// Package bcache implements lcfs's clean block-page cache:
// a hash-indexed, shard-locked cache of device blocks read from disk,
// shared by all layers rooted at the same layer tree, with read
// coalescing (only one reader fills a given block) and hit-count-based
// eviction under size or memory pressure.
package bcache

import (
	"sync"
	"sync/atomic"

	"github.com/lcfs-project/lcfs/internal/device"
)

// Page is one cached clean block. Callers obtain a Page via Get and must
// call Release exactly once when done with it.
type Page struct {
	block   uint64
	data    device.Block
	valid   bool
	ref     int32
	hits    uint32
	nocache bool

	fill sync.Mutex // held while the block's data is being read from disk
	next *Page
}

// Block returns the device block number this page caches.
func (p *Page) Block() uint64 { return p.block }

// Data returns the cached block contents. Only valid to read once the
// page has been filled (Get with read=true, or a page installed by
// AddFreshBlock).
func (p *Page) Data() *device.Block { return &p.data }

// Cache is one layer-tree root's clean page cache.
type Cache struct {
	buckets      []*Page
	locks        []sync.Mutex
	maxPerBucket int

	// lowMemory, when non-nil, is consulted on Release to decide whether
	// to evict even below maxPerBucket.
	lowMemory func() bool
}

// New creates a cache with bucketCount hash buckets sharded across
// lockCount mutexes. pageMax bounds total resident pages.
func New(bucketCount, lockCount, pageMax int, lowMemory func() bool) *Cache {
	if bucketCount <= 0 {
		bucketCount = 1024
	}
	if lockCount <= 0 {
		lockCount = 32
	}
	maxPerBucket := pageMax / bucketCount
	if maxPerBucket < 1 {
		maxPerBucket = 1
	}
	return &Cache{
		buckets:      make([]*Page, bucketCount),
		locks:        make([]sync.Mutex, lockCount),
		maxPerBucket: maxPerBucket,
		lowMemory:    lowMemory,
	}
}

func (c *Cache) hash(block uint64) int { return int(block % uint64(len(c.buckets))) }
func (c *Cache) lockFor(idx int) *sync.Mutex {
	return &c.locks[idx%len(c.locks)]
}

// Get returns the page for block, creating an (initially unfilled) entry
// if absent. When read is true and the page is not already valid, the
// block is read from dev; concurrent Get(read=true) calls for the same
// block serialise on the page's fill lock so only one of them issues the
// device read.
func (c *Cache) Get(dev *device.Device, block uint64, read bool) (*Page, error) {
	idx := c.hash(block)
	lock := c.lockFor(idx)

	lock.Lock()
	for p := c.buckets[idx]; p != nil; p = p.next {
		if p.block == block {
			atomic.AddInt32(&p.ref, 1)
			p.hits++
			lock.Unlock()
			if read {
				p.fill.Lock()
				needFill := !p.valid
				if needFill {
					if err := fillPage(dev, p); err != nil {
						p.fill.Unlock()
						return p, err
					}
				}
				p.fill.Unlock()
			}
			return p, nil
		}
	}
	np := &Page{block: block, ref: 1, hits: 1}
	np.fill.Lock()
	np.next = c.buckets[idx]
	c.buckets[idx] = np
	lock.Unlock()

	var err error
	if read {
		err = fillPage(dev, np)
	}
	np.fill.Unlock()
	return np, err
}

func fillPage(dev *device.Device, p *Page) error {
	blk, err := dev.ReadBlock(p.block)
	if err != nil {
		return err
	}
	p.data = *blk
	p.valid = true
	return nil
}

// AddFreshBlock installs data as the cached contents of a block that was
// just allocated and written, invalidating any stale entry previously
// cached at that block number.
func (c *Cache) AddFreshBlock(block uint64, data *device.Block) *Page {
	idx := c.hash(block)
	lock := c.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	var prev *Page
	for p := c.buckets[idx]; p != nil; p = p.next {
		if p.block == block {
			if prev != nil {
				prev.next = p.next
			} else {
				c.buckets[idx] = p.next
			}
			break
		}
		prev = p
	}
	np := &Page{block: block, data: *data, valid: true, ref: 1, hits: 1}
	np.next = c.buckets[idx]
	c.buckets[idx] = np
	return np
}

// Release drops a reference to p. On the last reference it evicts the
// least-hit unreferenced page in the bucket if the page was marked
// nocache, the bucket has grown past its cap, or the cache is under
// memory pressure.
func (c *Cache) Release(p *Page, nocache bool) {
	if nocache {
		p.nocache = true
	}
	if atomic.AddInt32(&p.ref, -1) > 0 {
		return
	}
	idx := c.hash(p.block)
	lock := c.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()

	count := 0
	for q := c.buckets[idx]; q != nil; q = q.next {
		count++
	}
	over := count > c.maxPerBucket
	low := c.lowMemory != nil && c.lowMemory()
	if p.nocache || over || low {
		c.evictLocked(idx)
	}
}

// evictLocked sweeps the bucket at idx for the unreferenced page with the
// lowest hit count and removes it. Caller holds the bucket's lock.
func (c *Cache) evictLocked(idx int) {
	var victim, prevVictim, prev *Page
	for p := c.buckets[idx]; p != nil; p = p.next {
		if atomic.LoadInt32(&p.ref) == 0 {
			if victim == nil || p.hits < victim.hits {
				victim = p
				prevVictim = prev
			}
		}
		prev = p
	}
	if victim == nil {
		return
	}
	if prevVictim != nil {
		prevVictim.next = victim.next
	} else {
		c.buckets[idx] = victim.next
	}
}

// Invalidate drops any cached page for block. Writers call it when a
// flush assigns fresh physical blocks, so a block number the allocator
// later hands back out can never serve a stale cached copy.
func (c *Cache) Invalidate(block uint64) {
	idx := c.hash(block)
	lock := c.lockFor(idx)
	lock.Lock()
	defer lock.Unlock()
	var prev *Page
	for p := c.buckets[idx]; p != nil; p = p.next {
		if p.block == block {
			if prev != nil {
				prev.next = p.next
			} else {
				c.buckets[idx] = p.next
			}
			return
		}
		prev = p
	}
}

// Len reports the number of resident pages (test/debug helper).
func (c *Cache) Len() int {
	n := 0
	for i := range c.buckets {
		lock := c.lockFor(i)
		lock.Lock()
		for p := c.buckets[i]; p != nil; p = p.next {
			n++
		}
		lock.Unlock()
	}
	return n
}
