package hlink

import "testing"

func TestAddSameDirectoryIncrementsCount(t *testing.T) {
	tr := New()
	tr.Add(10, 2, 2)
	tr.Add(10, 2, 2)
	if got := tr.Count(10, 2, 2); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestAddDifferentDirectoriesTrackedSeparately(t *testing.T) {
	tr := New()
	tr.Add(10, 2, 2)
	tr.Add(10, 3, 2)
	if got := tr.Count(10, 2, 2); got != 1 {
		t.Fatalf("dir 2: got %d, want 1", got)
	}
	if got := tr.Count(10, 3, 2); got != 1 {
		t.Fatalf("dir 3: got %d, want 1", got)
	}
}

func TestRemoveLastLinkClearsTracking(t *testing.T) {
	tr := New()
	tr.Add(10, 2, 2)
	if last := tr.Remove(10, 2, 2); !last {
		t.Fatalf("expected removing the only link to report lastLink=true")
	}
	if tr.Tracked(10) {
		t.Fatalf("inode should no longer be tracked")
	}
}

func TestRemoveNotLastLink(t *testing.T) {
	tr := New()
	tr.Add(10, 2, 2)
	tr.Add(10, 3, 2)
	if last := tr.Remove(10, 2, 2); last {
		t.Fatalf("expected lastLink=false, another directory still links ino 10")
	}
	if !tr.Tracked(10) {
		t.Fatalf("inode should still be tracked via directory 3")
	}
}

func TestRootDirectoryNormalized(t *testing.T) {
	tr := New()
	tr.Add(10, 5, 5) // parent == layerRoot
	if got := tr.Count(10, RootMarker, 99); got != 1 {
		t.Fatalf("expected root-normalized lookup to find the record, got %d", got)
	}
}

func TestCloneSharesUntilFirstMutation(t *testing.T) {
	tr := New()
	tr.Add(10, 2, 2)
	clone := tr.Clone()
	if !clone.Shared {
		t.Fatalf("freshly cloned table should start Shared")
	}
	clone.Add(11, 3, 3)
	if clone.Shared {
		t.Fatalf("expected detach after first mutation")
	}
	if tr.Tracked(11) {
		t.Fatalf("mutating the clone must not affect the original")
	}
}
