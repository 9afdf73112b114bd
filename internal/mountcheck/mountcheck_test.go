package mountcheck

import "testing"

func TestMountedOnRegularDirectoryIsFalse(t *testing.T) {
	ok, err := Mounted(t.TempDir())
	if err != nil {
		t.Fatalf("Mounted: %v", err)
	}
	if ok {
		t.Fatalf("expected a freshly created temp dir to not be a mount point")
	}
}

func TestRequireNotMountedSucceedsForRegularDirectory(t *testing.T) {
	if err := Require(t.TempDir(), false); err != nil {
		t.Fatalf("Require(false): %v", err)
	}
}
