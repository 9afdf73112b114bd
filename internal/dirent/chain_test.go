package dirent

import (
	"fmt"
	"testing"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func TestFlushReadRoundTrip(t *testing.T) {
	dev := device.NewMem(64 * device.BlockSize)
	d := New()
	for i := 0; i < 500; i++ {
		d.Add(fmt.Sprintf("entry-%d", i), uint64(i+1), 0o100000)
	}
	n := BlocksNeeded(d)
	if n < 2 {
		t.Fatalf("expected entries to span multiple blocks, got %d", n)
	}
	blocks := make([]uint64, n)
	for i := range blocks {
		blocks[i] = uint64(10 + i)
	}
	if err := Flush(dev, blocks, d); err != nil {
		t.Fatal(err)
	}
	got, err := Read(dev, blocks[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != d.Len() {
		t.Fatalf("got %d entries, want %d", got.Len(), d.Len())
	}
	for i := 0; i < 500; i++ {
		name := fmt.Sprintf("entry-%d", i)
		want, _ := d.Lookup(name)
		have, ok := got.Lookup(name)
		if !ok || have != want {
			t.Fatalf("entry %s: got %+v want %+v (ok=%v)", name, have, want, ok)
		}
	}
}

func TestReadEmptyChain(t *testing.T) {
	dev := device.NewMem(4 * device.BlockSize)
	got, err := Read(dev, sb.InvalidBlock)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 0 {
		t.Fatalf("expected empty directory")
	}
}
