package inode

import (
	"testing"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func TestInodeBlockRoundTrip(t *testing.T) {
	dev := device.NewMem(8 * device.BlockSize)
	var want []DiskInode
	for i := 0; i < 5; i++ {
		want = append(want, DiskInode{Ino: uint64(i + 2), Mode: modeReg, Nlink: 1})
	}
	if err := FlushInodeBlock(dev, 3, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadInodeBlock(dev, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d inodes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Ino != want[i].Ino {
			t.Fatalf("entry %d: got ino %d want %d", i, got[i].Ino, want[i].Ino)
		}
	}
}

func TestIblockRoundTrip(t *testing.T) {
	dev := device.NewMem(4096 * device.BlockSize)
	var blocks []uint64
	for i := 0; i < 2*EntriesPerIblock+3; i++ {
		blocks = append(blocks, uint64(100+i))
	}
	n := BlocksNeededForIblock(len(blocks))
	pages := make([]uint64, n)
	for i := range pages {
		pages[i] = uint64(3000 + i)
	}
	if err := FlushIblock(dev, pages, blocks); err != nil {
		t.Fatal(err)
	}
	got, err := ReadIblock(dev, pages[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(blocks) {
		t.Fatalf("got %d entries, want %d", len(got), len(blocks))
	}
	for i := range blocks {
		if got[i] != blocks[i] {
			t.Fatalf("entry %d: got %d want %d", i, got[i], blocks[i])
		}
	}
}

func TestReadIblockEmpty(t *testing.T) {
	dev := device.NewMem(4 * device.BlockSize)
	got, err := ReadIblock(dev, sb.InvalidBlock)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries")
	}
}
