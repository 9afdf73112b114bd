package emap

import (
	"testing"

	"github.com/lcfs-project/lcfs/internal/device"
)

func TestFlushReadRoundTrip(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	e := &Emap{}
	for i := 0; i < 3*EntriesPerBlock+5; i++ {
		e.Update(uint64(i*1000), uint64(i*1000)+1, 1)
	}
	n := BlocksNeeded(e)
	blocks := make([]uint64, n)
	for i := range blocks {
		blocks[i] = uint64(10 + i)
	}
	if err := Flush(dev, blocks, e); err != nil {
		t.Fatal(err)
	}
	got, err := Read(dev, blocks[0])
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3*EntriesPerBlock+5; i++ {
		page := uint64(i * 1000)
		wantBlock, _ := e.Lookup(page)
		gotBlock, ok := got.Lookup(page)
		if !ok || gotBlock != wantBlock {
			t.Fatalf("page %d: got (%d,%v) want %d", page, gotBlock, ok, wantBlock)
		}
	}
}

func TestFlushSingleExtentNeedsNoBlocks(t *testing.T) {
	e := NewSingle(50, 4)
	if n := BlocksNeeded(e); n != 0 {
		t.Fatalf("single-extent emap should need 0 chain blocks, got %d", n)
	}
}
