package layer

import (
	"testing"

	"github.com/lcfs-project/lcfs/internal/alloc"
)

func newTestManager() *Manager {
	g := alloc.NewGlobalPool(0, 1<<20)
	return NewManager(g, 1, nil)
}

func TestNewManagerHasSingleRootLayer(t *testing.T) {
	m := newTestManager()
	root := m.Root()
	if root.Index != 0 || !root.ReadOnly {
		t.Fatalf("expected read-only root layer at slot 0, got %+v", root)
	}
	if len(m.Layers()) != 1 {
		t.Fatalf("expected exactly one layer, got %d", len(m.Layers()))
	}
}

func TestCreateChildFreezesParentOnFirstChild(t *testing.T) {
	m := newTestManager()
	root := m.Root()

	l, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !root.Frozen {
		t.Fatalf("expected root to freeze once it gains its first child")
	}
	if l.Parent != root.Index {
		t.Fatalf("expected new layer's parent to be the root layer")
	}
	if root.FirstChild != l.Index {
		t.Fatalf("expected root.FirstChild to point at the new layer")
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create("base", "", true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("base", "", true); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestCreateUnknownParentFails(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create("child", "nope", true); err == nil {
		t.Fatalf("expected error for unknown parent")
	}
}

func TestDeleteLeafLayer(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create("base", "", true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete("base"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("base"); ok {
		t.Fatalf("expected base layer to be gone")
	}
	if m.Root().FirstChild != noParent {
		t.Fatalf("expected root to have no children after deleting its only child")
	}
}

func TestDeleteLayerWithChildrenFails(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create("base", "", true); err != nil {
		t.Fatalf("Create base: %v", err)
	}
	if _, err := m.Create("child", "base", true); err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := m.Delete("base"); err != ErrHasChildren {
		t.Fatalf("expected ErrHasChildren, got %v", err)
	}
}

func TestDeletedSlotIsReusedByNextCreate(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create("base", "", true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstIdx, _ := m.Get("base")
	idx := firstIdx.Index
	if err := m.Delete("base"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	l2, err := m.Create("base2", "", true)
	if err != nil {
		t.Fatalf("Create base2: %v", err)
	}
	if l2.Index != idx {
		t.Fatalf("expected freed slot %d to be reused, got %d", idx, l2.Index)
	}
}

func TestChildInheritsParentRootDirectoryEntries(t *testing.T) {
	m := newTestManager()
	base, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create base: %v", err)
	}
	baseRootIn := base.Inodes.Get(base.RootIno)
	if baseRootIn == nil {
		t.Fatal("expected the base layer's root directory inode to exist")
	}
	baseRootIn.Dir.Add("existing", 99, 0o100000)

	child, err := m.Create("child", "base", true)
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	childRootIn := child.Inodes.Get(child.RootIno)
	if childRootIn == nil || childRootIn.Dir == nil {
		t.Fatal("expected the new layer's root directory to be populated")
	}
	if _, ok := childRootIn.Dir.Lookup("existing"); !ok {
		t.Fatalf("expected cloned root directory to carry the parent's entries")
	}
}

func TestBaseLayerStartsWithEmptyRootDirectory(t *testing.T) {
	m := newTestManager()
	base, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rootIn := base.Inodes.Get(base.RootIno)
	if rootIn == nil || rootIn.Dir == nil {
		t.Fatal("expected a root directory inode")
	}
	if rootIn.Dir.Len() != 0 {
		t.Fatalf("base layer's root directory should start empty, has %d entries", rootIn.Dir.Len())
	}
}

func TestCheckpointSkipsNonDirtyLayers(t *testing.T) {
	m := newTestManager()
	// Should not panic even though no layer has any pending allocations.
	m.Checkpoint()
}
