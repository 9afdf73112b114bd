package layer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

func newPersistFixture(t *testing.T) (*device.Device, *Manager) {
	t.Helper()
	dev := device.NewMem(int64(sb.MinBlocks) * device.BlockSize)
	g := alloc.NewGlobalPool(sb.StartBlock, sb.MinBlocks-sb.StartBlock)
	return dev, NewManager(g, sb.RootInode, nil)
}

func TestCheckpointLoadRoundTrip(t *testing.T) {
	dev, m := newPersistFixture(t)
	base, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	in := base.Inodes.Create(0o100644, 0, 0, base.RootIno, "")
	in.RData.Write(0, 0, []byte("hello"))
	in.Dinode.Size = 5
	if _, err := in.RData.Flush(dev, base.Pool, in.Emap, func(uint64) (*device.Block, bool) { return nil, false }); err != nil {
		t.Fatalf("flush pages: %v", err)
	}
	baseRoot := base.Inodes.Get(base.RootIno)
	baseRoot.Dir.Add("hello.txt", in.Ino, in.Dinode.Mode)

	link := base.Inodes.Create(0o120777, 0, 0, base.RootIno, "hello.txt")
	baseRoot.Dir.Add("ln", link.Ino, link.Dinode.Mode)

	if err := m.WriteCheckpoint(dev, sb.MinBlocks, true); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	m2, err := LoadManager(dev, nil)
	if err != nil {
		t.Fatalf("LoadManager: %v", err)
	}
	base2, ok := m2.Get("base")
	if !ok {
		t.Fatal("expected base layer to survive the round trip")
	}
	if !base2.RW {
		t.Fatal("expected base to stay read-write")
	}
	root2 := base2.Inodes.Get(base2.RootIno)
	if root2 == nil || root2.Dir == nil {
		t.Fatal("expected base's root directory to be materialised")
	}
	e, ok := root2.Dir.Lookup("hello.txt")
	if !ok {
		t.Fatal("expected hello.txt to survive the round trip")
	}
	in2 := base2.Inodes.Get(e.Ino)
	if in2 == nil {
		t.Fatal("expected hello.txt's inode to be materialised")
	}
	if in2.Dinode.Size != 5 {
		t.Fatalf("size = %d, want 5", in2.Dinode.Size)
	}
	block, ok := in2.Emap.Lookup(0)
	if !ok {
		t.Fatal("expected page 0 to be mapped after reload")
	}
	got, err := dev.ReadBlock(block)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:5], []byte("hello")) {
		t.Fatalf("content = %q, want hello", got[:5])
	}

	le, ok := root2.Dir.Lookup("ln")
	if !ok {
		t.Fatal("expected symlink to survive the round trip")
	}
	ln2 := base2.Inodes.Get(le.Ino)
	if ln2 == nil || ln2.Target != "hello.txt" {
		t.Fatalf("symlink target = %q, want hello.txt", ln2.Target)
	}
}

func TestDirtyCheckpointRefusesLoad(t *testing.T) {
	dev, m := newPersistFixture(t)
	if err := m.WriteCheckpoint(dev, sb.MinBlocks, false); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if _, err := LoadManager(dev, nil); !errors.Is(err, ErrDirtyMount) {
		t.Fatalf("expected ErrDirtyMount, got %v", err)
	}
}

func TestCheckpointPreservesLayerTreeShape(t *testing.T) {
	dev, m := newPersistFixture(t)
	if _, err := m.Create("image", "", false); err != nil {
		t.Fatalf("Create image: %v", err)
	}
	if _, err := m.Create("container", "image", true); err != nil {
		t.Fatalf("Create container: %v", err)
	}
	if err := m.WriteCheckpoint(dev, sb.MinBlocks, true); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	m2, err := LoadManager(dev, nil)
	if err != nil {
		t.Fatalf("LoadManager: %v", err)
	}
	img, ok := m2.Get("image")
	if !ok {
		t.Fatal("expected image layer")
	}
	ctr, ok := m2.Get("container")
	if !ok {
		t.Fatal("expected container layer")
	}
	if ctr.Parent != img.Index {
		t.Fatalf("container's parent = %d, want image's slot %d", ctr.Parent, img.Index)
	}
	if !img.Frozen {
		t.Fatal("expected image (which has a child) to reload frozen")
	}
	if img.RW || !ctr.RW {
		t.Fatalf("flags lost: image RW=%v container RW=%v", img.RW, ctr.RW)
	}
}

func TestSecondCheckpointReleasesPreviousMetadata(t *testing.T) {
	dev, m := newPersistFixture(t)
	if err := m.WriteCheckpoint(dev, sb.MinBlocks, true); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	free1 := m.FreeBlocks()
	if err := m.WriteCheckpoint(dev, sb.MinBlocks, true); err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	free2 := m.FreeBlocks()
	// The second checkpoint rewrites the same metadata; after its
	// deferred frees run, the free pool must not shrink checkpoint over
	// checkpoint.
	if free2 < free1 {
		t.Fatalf("metadata leak: free fell from %d to %d", free1, free2)
	}
}
