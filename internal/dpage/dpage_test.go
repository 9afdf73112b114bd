package dpage

import (
	"bytes"
	"testing"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/emap"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func TestWriteMergesOverlappingRanges(t *testing.T) {
	tb := New()
	tb.Write(0, 100, []byte("hello"))
	tb.Write(0, 50, []byte("world"))
	_, off, size, ok := tb.Read(0)
	if !ok {
		t.Fatal("expected dirty page")
	}
	if off != 50 || size != 55 {
		t.Fatalf("got off=%d size=%d, want off=50 size=55", off, size)
	}
}

func TestNeedsFlushThreshold(t *testing.T) {
	tb := New()
	for i := 0; i < MaxDirtyPages-1; i++ {
		tb.Write(uint64(i), 0, []byte("x"))
	}
	if tb.NeedsFlush() {
		t.Fatalf("should not need flush yet")
	}
	tb.Write(uint64(MaxDirtyPages), 0, []byte("x"))
	if !tb.NeedsFlush() {
		t.Fatalf("expected NeedsFlush once threshold reached")
	}
}

func TestFlushWritesContiguousRunsAndUpdatesEmap(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, 1000)
	pool := alloc.NewLayerPool(g, false)
	em := &emap.Emap{}
	tb := New()

	full := bytes.Repeat([]byte{'A'}, device.BlockSize)
	tb.Write(0, 0, full)
	tb.Write(1, 0, bytes.Repeat([]byte{'B'}, device.BlockSize))
	tb.Write(5, 0, bytes.Repeat([]byte{'C'}, device.BlockSize))

	runs, err := tb.Flush(dev, pool, em, func(pg uint64) (*device.Block, bool) { return nil, false })
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 contiguous runs (pages 0-1, page 5), got %d", len(runs))
	}
	if runs[0].StartPage != 0 || runs[0].Count != 2 {
		t.Fatalf("unexpected first run: %+v", runs[0])
	}
	if runs[1].StartPage != 5 || runs[1].Count != 1 {
		t.Fatalf("unexpected second run: %+v", runs[1])
	}

	block, ok := em.Lookup(0)
	if !ok {
		t.Fatal("expected page 0 to be mapped after flush")
	}
	got, err := dev.ReadBlock(block)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 'A' {
		t.Fatalf("flushed block does not contain expected data")
	}
	if tb.Len() != 0 {
		t.Fatalf("table should be empty after flush")
	}
}

func TestFlushFillsPartialPageFromHole(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, 1000)
	pool := alloc.NewLayerPool(g, false)
	em := &emap.Emap{}
	tb := New()

	tb.Write(0, 10, []byte("partial"))

	var hole device.Block
	copy(hole[:], bytes.Repeat([]byte{'Z'}, device.BlockSize))

	_, err := tb.Flush(dev, pool, em, func(pg uint64) (*device.Block, bool) { return &hole, true })
	if err != nil {
		t.Fatal(err)
	}
	block, _ := em.Lookup(0)
	got, _ := dev.ReadBlock(block)
	if got[0] != 'Z' {
		t.Fatalf("expected hole data to fill the untouched prefix")
	}
	if got[10] != 'p' {
		t.Fatalf("expected dirty data to survive at its offset")
	}
}

func TestFlushFreesDisplacedBlocks(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, 1000)
	pool := alloc.NewLayerPool(g, false)
	em := &emap.Emap{}
	tb := New()

	tb.Write(0, 0, bytes.Repeat([]byte{'A'}, device.BlockSize))
	if _, err := tb.Flush(dev, pool, em, func(uint64) (*device.Block, bool) { return nil, false }); err != nil {
		t.Fatal(err)
	}
	first, _ := em.Lookup(0)

	tb.Write(0, 0, bytes.Repeat([]byte{'B'}, device.BlockSize))
	if _, err := tb.Flush(dev, pool, em, func(uint64) (*device.Block, bool) { return nil, false }); err != nil {
		t.Fatal(err)
	}
	second, _ := em.Lookup(0)
	if second == first {
		t.Fatalf("overwrite should land on a fresh block")
	}
	// The displaced block must leave the layer's books; after the
	// deferred free runs it is back in the global pool.
	if got := extent.TotalCount(pool.Allocated()); got != 1 {
		t.Fatalf("layer should own exactly the live block, allocated = %d", got)
	}
}

func TestTruncateDropsDirtyPages(t *testing.T) {
	tb := New()
	tb.Write(0, 0, []byte("head"))
	tb.Write(3, 0, []byte("tail"))
	tb.Truncate(1)
	if tb.Len() != 1 {
		t.Fatalf("expected only the surviving page, got %d", tb.Len())
	}
	if _, _, _, ok := tb.Read(3); ok {
		t.Fatalf("page beyond the truncation point should be gone")
	}
	if _, _, _, ok := tb.Read(0); !ok {
		t.Fatalf("page before the truncation point should survive")
	}
}
