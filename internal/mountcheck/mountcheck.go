// Package mountcheck verifies that lcfs's two mount points are actually
// live (or actually gone) by consulting the kernel's mount table, rather
// than trusting the mount(2)/umount(2) call's return value alone.
// cmd/lcfsd uses it to confirm both mount points are live after setup
// and gone after unmount.
package mountcheck

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
)

// Mounted reports whether path is currently a mount point, per the
// kernel's mount table (/proc/self/mountinfo on Linux).
func Mounted(path string) (bool, error) {
	ok, err := mountinfo.Mounted(path)
	if err != nil {
		return false, fmt.Errorf("lcfs: check mount state of %s: %w", path, err)
	}
	return ok, nil
}

// Require returns an error if path's mount state doesn't match want,
// used right after fuseserver.Mount returns (want=true, confirming the
// base/layer mount points are live) and right after an unmount (want=
// false, confirming nothing stale was left behind).
func Require(path string, want bool) error {
	got, err := Mounted(path)
	if err != nil {
		return err
	}
	if got != want {
		if want {
			return fmt.Errorf("lcfs: %s is not mounted after mount setup", path)
		}
		return fmt.Errorf("lcfs: %s is still mounted after unmount", path)
	}
	return nil
}

// Entries lists every mount whose mount point path starts with root
// (root itself included), e.g. to enumerate leftover bind mounts under
// a directory.
func Entries(root string) ([]*mountinfo.Info, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, fmt.Errorf("lcfs: list mounts under %s: %w", root, err)
	}
	return infos, nil
}
