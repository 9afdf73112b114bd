package alloc

import (
	"testing"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func TestLayerAllocFromReservation(t *testing.T) {
	g := NewGlobalPool(sb.StartBlock, 100000)
	l := NewLayerPool(g, false)

	start, err := l.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if start < sb.StartBlock {
		t.Fatalf("unexpected start %d", start)
	}
	// Global pool should have shrunk by a full Reserve-sized chunk, not
	// just 10 blocks.
	if g.FreeBlocks() != 100000-Reserve {
		t.Fatalf("global free = %d, want %d", g.FreeBlocks(), 100000-Reserve)
	}
	if extent.TotalCount(l.Allocated()) != 10 {
		t.Fatalf("layer allocated = %d, want 10", extent.TotalCount(l.Allocated()))
	}
	// Next small allocation should come out of the existing reservation
	// without touching the global pool again.
	if _, err := l.Alloc(5); err != nil {
		t.Fatal(err)
	}
	if g.FreeBlocks() != 100000-Reserve {
		t.Fatalf("second alloc should not touch global pool: free = %d", g.FreeBlocks())
	}
}

func TestRootLayerDoesNotTrackAllocated(t *testing.T) {
	g := NewGlobalPool(0, 100000)
	root := NewLayerPool(g, true)
	if _, err := root.Alloc(10); err != nil {
		t.Fatal(err)
	}
	if root.Allocated() != nil {
		t.Fatalf("root layer should not track an allocated list")
	}
}

func TestFreeIsDeferredUntilCheckpoint(t *testing.T) {
	g := NewGlobalPool(0, 100000)
	l := NewLayerPool(g, false)
	start, _ := l.Alloc(10)
	freeBeforeFree := g.FreeBlocks()

	l.Free(start, 10)
	if g.FreeBlocks() != freeBeforeFree {
		t.Fatalf("global pool changed before checkpoint")
	}
	if extent.TotalCount(l.Allocated()) != 0 {
		t.Fatalf("allocated list should drop freed blocks immediately")
	}

	l.Checkpoint()
	if g.FreeBlocks() != freeBeforeFree+10 {
		t.Fatalf("checkpoint should return freed blocks: got %d want %d", g.FreeBlocks(), freeBeforeFree+10)
	}
}

func TestHasSpace(t *testing.T) {
	g := NewGlobalPool(0, sb.LayerMinBlocks+4)
	if !g.HasSpace(5, false) {
		t.Fatalf("expected space for plain request")
	}
	if g.HasSpace(5, true) {
		t.Fatalf("layer-create request should require the extra minimum headroom")
	}
}

func TestNoSpaceError(t *testing.T) {
	g := NewGlobalPool(0, 4)
	l := NewLayerPool(g, false)
	if _, err := l.Alloc(100); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestReclaimReturnsReservationToGlobal(t *testing.T) {
	g := NewGlobalPool(0, 100000)
	l := NewLayerPool(g, false)
	l.Alloc(10) // pulls a full Reserve chunk into the reservation
	free := g.FreeBlocks()
	l.Reclaim()
	if g.FreeBlocks() <= free {
		t.Fatalf("reclaim should return blocks to the global pool")
	}
}

func TestExtentChainRoundTrip(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	var head *extent.Extent
	for i := 0; i < 3*EntriesPerBlock+7; i++ {
		head = extent.Add(head, uint64(i*1000), 0, false, 1)
	}
	n := BlocksNeeded(head)
	blocks := make([]uint64, n)
	for i := range blocks {
		blocks[i] = uint64(10 + i)
	}
	if err := FlushExtents(dev, blocks, head); err != nil {
		t.Fatal(err)
	}
	got, err := ReadExtents(dev, blocks[0])
	if err != nil {
		t.Fatal(err)
	}
	if extent.Len(got) != extent.Len(head) {
		t.Fatalf("got %d extents, want %d", extent.Len(got), extent.Len(head))
	}
	want, cur := head, got
	for want != nil {
		if want.Start != cur.Start || want.Count != cur.Count {
			t.Fatalf("mismatch: want %+v got %+v", want, cur)
		}
		want, cur = want.Next, cur.Next
	}
}
