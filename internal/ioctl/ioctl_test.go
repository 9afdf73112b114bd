package ioctl

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/layer"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	g := alloc.NewGlobalPool(0, 1<<20)
	m := layer.NewManager(g, 1, nil)
	return &Dispatcher{Manager: m}
}

func TestParseArgSplitsOnNUL(t *testing.T) {
	a := ParseArg([]byte("base\x00child"))
	if a.Parent != "base" || a.Name != "child" {
		t.Fatalf("got %+v", a)
	}
	a = ParseArg([]byte("bare"))
	if a.Parent != "" || a.Name != "bare" {
		t.Fatalf("got %+v", a)
	}
}

func TestCreateAndRemoveLayer(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Manager.Create("base", "", true); err != nil {
		t.Fatalf("seed base: %v", err)
	}

	if _, err := d.Dispatch(CreateLayer, []byte("base\x00child")); err != nil {
		t.Fatalf("CreateLayer: %v", err)
	}
	if _, ok := d.Manager.Get("child"); !ok {
		t.Fatalf("expected child layer to exist")
	}

	if _, err := d.Dispatch(CreateLayer, []byte("base\x00child")); err != unix.EEXIST {
		t.Fatalf("expected EEXIST on duplicate create, got %v", err)
	}

	if _, err := d.Dispatch(RemoveLayer, []byte("child")); err != nil {
		t.Fatalf("RemoveLayer: %v", err)
	}
	if _, ok := d.Manager.Get("child"); ok {
		t.Fatalf("expected child layer to be gone")
	}
}

func TestRemoveUnknownLayerReturnsENOENT(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Dispatch(RemoveLayer, []byte("ghost")); err != unix.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestStatLayerReportsParentAndFlags(t *testing.T) {
	d := newTestDispatcher(t)
	d.Manager.Create("base", "", true)
	d.Dispatch(CreateRWLayer, []byte("base\x00child"))

	reply, err := d.Dispatch(StatLayer, []byte("child"))
	if err != nil {
		t.Fatalf("StatLayer: %v", err)
	}
	stat := reply.(*Stat)
	if stat.Name != "child" || stat.Parent != "base" || !stat.ReadWrite {
		t.Fatalf("unexpected stat: %+v", stat)
	}
}

func TestMountCommandsWithoutBackendReturnENOSYS(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Dispatch(MountLayer, []byte("base")); err != unix.ENOSYS {
		t.Fatalf("expected ENOSYS, got %v", err)
	}
}

func TestDiffLayerCommand(t *testing.T) {
	d := newTestDispatcher(t)
	d.Manager.Create("base", "", true)
	d.Dispatch(CreateRWLayer, []byte("base\x00child"))

	reply, err := d.Dispatch(DiffLayer, []byte("child"))
	if err != nil {
		t.Fatalf("DiffLayer: %v", err)
	}
	if reply == nil {
		t.Fatalf("expected a non-nil diff reply")
	}
}
