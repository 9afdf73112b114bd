package bg

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/layer"
	"github.com/lcfs-project/lcfs/internal/lclog"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func TestRunReturnsWhenContextCancelled(t *testing.T) {
	g := alloc.NewGlobalPool(0, 1<<20)
	m := layer.NewManager(g, 1, nil)
	s := New(Config{
		Manager:         m,
		CleanerInterval: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFlushLayerWritesDirtyPages(t *testing.T) {
	dev := device.NewMem(int64(sb.MinBlocks) * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, sb.MinBlocks-sb.StartBlock)
	m := layer.NewManager(g, sb.RootInode, nil)
	l, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	in := l.Inodes.Create(0o100644, 0, 0, l.RootIno, "")
	in.RData.Write(0, 0, []byte("hello"))
	in.Dinode.Size = 5

	FlushLayer(l, dev, lclog.New("test"))

	if in.RData.Len() != 0 {
		t.Fatalf("expected dirty table to drain, %d pages left", in.RData.Len())
	}
	block, ok := in.Emap.Lookup(0)
	if !ok {
		t.Fatal("expected page 0 to be mapped after flush")
	}
	got, err := dev.ReadBlock(block)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:5], []byte("hello")) {
		t.Fatalf("flushed block holds %q", got[:5])
	}
}

func TestSyncerWritesCheckpoint(t *testing.T) {
	dev := device.NewMem(int64(sb.MinBlocks) * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, sb.MinBlocks-sb.StartBlock)
	m := layer.NewManager(g, sb.RootInode, nil)

	s := New(Config{
		Manager:      m,
		Dev:          dev,
		TotalBlocks:  sb.MinBlocks,
		SyncInterval: time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	blk, err := dev.ReadBlock(sb.SuperBlockNum)
	if err != nil {
		t.Fatal(err)
	}
	gsb, err := sb.DecodeSuperblock(blk)
	if err != nil {
		t.Fatalf("expected a decodable superblock after a syncer tick: %v", err)
	}
	if gsb.Flags&sb.SuperDirty == 0 {
		t.Fatalf("periodic checkpoint should leave the dirty flag set")
	}
}
