package diff

import (
	"testing"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/layer"
)

const modeReg = 0o100000

func newTestManager(t *testing.T) *layer.Manager {
	t.Helper()
	g := alloc.NewGlobalPool(0, 1<<20)
	return layer.NewManager(g, 1, nil)
}

func TestDiffClassifiesAddedModifiedRemoved(t *testing.T) {
	m := newTestManager(t)
	base, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create base: %v", err)
	}
	baseRoot := base.Inodes.Get(base.RootIno)
	keep := base.Inodes.Create(modeReg, 0, 0, base.RootIno, "")
	baseRoot.Dir.Add("keep", keep.Ino, modeReg)
	gone := base.Inodes.Create(modeReg, 0, 0, base.RootIno, "")
	baseRoot.Dir.Add("gone", gone.Ino, modeReg)

	child, err := m.Create("child", "base", true)
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	childRoot := child.Inodes.GetForWrite(child.RootIno)
	childRoot.Dir.Remove("gone")
	// Modify "keep" by cloning it for write in the child.
	child.Inodes.GetForWrite(keep.Ino)
	// Add a brand new file.
	added := child.Inodes.Create(modeReg, 0, 0, child.RootIno, "")
	childRoot.Dir.Add("new", added.Ino, modeReg)

	changes := Diff(child, base)

	var sawAdded, sawModified, sawRemoved bool
	for _, c := range changes {
		switch {
		case c.Path == "/new" && c.Type == Added:
			sawAdded = true
		case c.Path == "/keep" && c.Type == Modified:
			sawModified = true
		case c.Path == "/gone" && c.Type == Removed:
			sawRemoved = true
		}
	}
	if !sawAdded {
		t.Errorf("expected /new to be reported Added, got %+v", changes)
	}
	if !sawModified {
		t.Errorf("expected /keep to be reported Modified, got %+v", changes)
	}
	if !sawRemoved {
		t.Errorf("expected /gone to be reported Removed, got %+v", changes)
	}
}

func TestDiffNoChangesIsEmpty(t *testing.T) {
	m := newTestManager(t)
	base, err := m.Create("base", "", true)
	if err != nil {
		t.Fatalf("Create base: %v", err)
	}
	child, err := m.Create("child", "base", true)
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if changes := Diff(child, base); len(changes) != 0 {
		t.Fatalf("expected no changes for an untouched child, got %+v", changes)
	}
}
