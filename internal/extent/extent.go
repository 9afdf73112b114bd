// Package extent implements the sorted extent lists used throughout lcfs:
// the global and per-layer free-block lists, the per-layer allocated and
// freed-pending lists, and a file's logical-to-physical block mapping
// (emap) before it is packed into on-disk chains by package sb.
//
// An extent list is a singly linked, ascending list ordered by Start. For
// free-space lists HasBlock is false and Start is a device block number;
// for emap lists Start is a logical file page number and Block holds the
// mapped physical block.
package extent

// MaxCount caps the block count of a single emap extent (one with
// HasBlock set): Add inserts at most MaxCount blocks per node and never
// merges emap neighbours past it. Free-space extents are split the same
// way on insertion but merge back without limit.
const MaxCount = 1<<16 - 1

// Extent is one node of a sorted singly linked extent list.
type Extent struct {
	Start    uint64
	Count    uint32
	Block    uint64 // valid only when HasBlock is true
	HasBlock bool
	Next     *Extent
}

func (e *Extent) end() uint64 { return e.Start + uint64(e.Count) }

// clone returns a shallow copy of e with Next cleared.
func (e *Extent) clone() *Extent {
	c := *e
	c.Next = nil
	return &c
}

// adjacent reports whether appending other directly after e would form one
// contiguous run, both in logical Start space and, when both carry block
// numbers, in physical Block space. Two emap extents whose combined count
// would exceed MaxCount are not adjacent.
func adjacent(e, other *Extent) bool {
	if e.end() != other.Start {
		return false
	}
	if e.HasBlock != other.HasBlock {
		return false
	}
	if e.HasBlock && e.Block+uint64(e.Count) != other.Block {
		return false
	}
	if e.HasBlock && uint64(e.Count)+uint64(other.Count) > MaxCount {
		return false
	}
	return true
}

// Add inserts a new extent (start, count[, block]) into the ascending list
// headed by head, merging with an adjacent neighbour when possible. The
// insertion is split into pieces of at most MaxCount blocks; a range that
// overlaps an existing extent is inserted as is, not split around it. It
// returns the (possibly new) head of the list.
func Add(head *Extent, start uint64, block uint64, hasBlock bool, count uint32) *Extent {
	for count > 0 {
		n := count
		if n > MaxCount {
			n = MaxCount
		}
		head = addOne(head, start, block, hasBlock, n)
		start += uint64(n)
		if hasBlock {
			block += uint64(n)
		}
		count -= n
	}
	return head
}

func addOne(head *Extent, start uint64, block uint64, hasBlock bool, count uint32) *Extent {
	nw := &Extent{Start: start, Count: count, Block: block, HasBlock: hasBlock}

	var prev *Extent
	cur := head
	for cur != nil && cur.Start < start {
		prev = cur
		cur = cur.Next
	}

	// Try merging with the following extent.
	if cur != nil && adjacent(nw, cur) {
		cur.Start = nw.Start
		cur.Count += nw.Count
		if cur.HasBlock {
			cur.Block = nw.Block
		}
		nw = cur
	} else {
		nw.Next = cur
		if prev != nil {
			prev.Next = nw
		} else {
			head = nw
		}
	}

	// Try merging the (possibly just-extended) node with its predecessor.
	if prev != nil && adjacent(prev, nw) {
		prev.Count += nw.Count
		prev.Next = nw.Next
		return head
	}
	return head
}

// Remove peels count blocks starting at start out of the list headed by
// head, splitting an extent if the range falls in its middle. It returns
// the new head and the number of blocks actually removed (less than count
// if the range was only partially present).
func Remove(head *Extent, start uint64, count uint32) (*Extent, uint32) {
	var freed uint32
	var prev *Extent
	cur := head
	end := start + uint64(count)

	for cur != nil {
		next := cur.Next
		cs, ce := cur.Start, cur.end()

		if ce <= start || cs >= end {
			prev = cur
			cur = next
			continue
		}

		overlapStart := cs
		if start > overlapStart {
			overlapStart = start
		}
		overlapEnd := ce
		if end < overlapEnd {
			overlapEnd = end
		}
		overlapCount := uint32(overlapEnd - overlapStart)
		freed += overlapCount

		switch {
		case overlapStart == cs && overlapEnd == ce:
			// Entire extent consumed.
			if prev != nil {
				prev.Next = next
			} else {
				head = next
			}
		case overlapStart == cs:
			// Trim from the front.
			shift := overlapCount
			cur.Start += uint64(shift)
			if cur.HasBlock {
				cur.Block += uint64(shift)
			}
			cur.Count -= shift
			prev = cur
		case overlapEnd == ce:
			// Trim from the back.
			cur.Count -= overlapCount
			prev = cur
		default:
			// Split: keep [cs, overlapStart) in cur, insert
			// [overlapEnd, ce) as a new node after it.
			tailCount := uint32(ce - overlapEnd)
			tail := &Extent{
				Start:    overlapEnd,
				Count:    tailCount,
				HasBlock: cur.HasBlock,
			}
			if cur.HasBlock {
				tail.Block = cur.Block + (overlapEnd - cs)
			}
			tail.Next = next
			cur.Count = uint32(overlapStart - cs)
			cur.Next = tail
			prev = tail
		}
		cur = next
	}
	return head, freed
}

// Lookup returns the extent covering logical position pos, or nil if pos
// falls in a hole.
func Lookup(head *Extent, pos uint64) *Extent {
	for e := head; e != nil; e = e.Next {
		if pos >= e.Start && pos < e.end() {
			return e
		}
		if e.Start > pos {
			break
		}
	}
	return nil
}

// Clone deep-copies an extent list, preserving order.
func Clone(head *Extent) *Extent {
	var newHead, tail *Extent
	for e := head; e != nil; e = e.Next {
		c := e.clone()
		if tail == nil {
			newHead = c
		} else {
			tail.Next = c
		}
		tail = c
	}
	return newHead
}

// Len counts the nodes in the list (test/debug helper).
func Len(head *Extent) int {
	n := 0
	for e := head; e != nil; e = e.Next {
		n++
	}
	return n
}

// Carve removes count blocks from the first extent in the list with
// enough room (first-fit) and returns their starting block, the updated
// head, and whether an extent was found. Used by the block allocator to
// turn a free/reservation list into a single contiguous allocation.
func Carve(head *Extent, count uint32) (start uint64, newHead *Extent, ok bool) {
	var prev *Extent
	newHead = head
	for cur := newHead; cur != nil; cur = cur.Next {
		if cur.Count >= count {
			start = cur.Start
			if cur.Count == count {
				if prev != nil {
					prev.Next = cur.Next
				} else {
					newHead = cur.Next
				}
			} else {
				cur.Start += uint64(count)
				if cur.HasBlock {
					cur.Block += uint64(count)
				}
				cur.Count -= count
			}
			return start, newHead, true
		}
		prev = cur
	}
	return 0, newHead, false
}

// TotalCount sums Count across the list.
func TotalCount(head *Extent) uint64 {
	var n uint64
	for e := head; e != nil; e = e.Next {
		n += uint64(e.Count)
	}
	return n
}
