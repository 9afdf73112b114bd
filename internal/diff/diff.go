// Package diff enumerates the changes a layer has accumulated relative to
// its parent: an ordered (ChangeType, path) stream suitable for a
// docker-diff-style report or for driving a layer export.
package diff

import (
	"path"
	"sort"

	"github.com/lcfs-project/lcfs/internal/dirent"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/layer"
)

// ChangeType classifies one path's change between a layer and its parent.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one entry in the diff stream.
type Change struct {
	Type ChangeType
	Path string
}

const modeDirBit = 0o040000

// Diff walks l's directory tree against parent's (parent may be nil for
// a base layer with no ancestor, in which case every reachable path is
// reported Added) and returns the changes. Within each directory,
// subdirectories are reported (and walked) first, then files, then the
// names removed from that directory.
//
// A name is classified by comparing l's directory with the parent's
// directory at the same path: Added when the parent has no entry of that
// name, Removed followed by Added when the parent's entry names a
// different inode, Modified when both name the same inode and l holds a
// locally owned (cloned, diverged) copy, and Removed when a name present
// in the parent's directory is absent from l's. Inode numbers are not
// compared with the parent's LastInode.
func Diff(l, parent *layer.Layer) []Change {
	var out []Change
	var parentRoot uint64
	if parent != nil {
		parentRoot = parent.RootIno
	}
	walk(l, parent, l.RootIno, parentRoot, "/", &out)
	return out
}

func walk(l, parent *layer.Layer, lIno, pIno uint64, dirPath string, out *[]Change) {
	lIn := l.Inodes.Get(lIno)
	if lIn == nil || lIn.Dir == nil {
		return
	}
	var pIn *inode.Inode
	if parent != nil {
		pIn = parent.Inodes.Get(pIno)
	}

	type named struct {
		name string
		e    dirent.Entry
	}
	var dirs, files []named
	lIn.Dir.Range(func(name string, e dirent.Entry) bool {
		if e.Mode&modeDirBit == modeDirBit {
			dirs = append(dirs, named{name, e})
		} else {
			files = append(files, named{name, e})
		}
		return true
	})
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].name < dirs[j].name })
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	seen := make(map[string]bool, len(dirs)+len(files))
	classify := func(name string, e dirent.Entry) {
		seen[name] = true
		childPath := path.Join(dirPath, name)
		var pe dirent.Entry
		var pOK bool
		if pIn != nil && pIn.Dir != nil {
			pe, pOK = pIn.Dir.Lookup(name)
		}
		switch {
		case !pOK:
			*out = append(*out, Change{Added, childPath})
		case e.Ino != pe.Ino:
			// Same name, different inode: the old target was removed and
			// a new one put in its place.
			*out = append(*out, Change{Removed, childPath})
			*out = append(*out, Change{Added, childPath})
		default:
			if local := l.Inodes.Local(e.Ino); local != nil && !local.Shared {
				*out = append(*out, Change{Modified, childPath})
			}
		}
	}

	// Directories are reported (and their contents walked) before
	// files, and removals come last, so the change list can be replayed
	// in one pass.
	for _, d := range dirs {
		classify(d.name, d.e)
		var childPIno uint64
		if pIn != nil && pIn.Dir != nil {
			if pe, ok := pIn.Dir.Lookup(d.name); ok {
				childPIno = pe.Ino
			}
		}
		walk(l, parent, d.e.Ino, childPIno, path.Join(dirPath, d.name), out)
	}
	for _, f := range files {
		classify(f.name, f.e)
	}

	if pIn != nil && pIn.Dir != nil {
		var removed []string
		pIn.Dir.Range(func(name string, _ dirent.Entry) bool {
			if !seen[name] {
				removed = append(removed, name)
			}
			return true
		})
		sort.Strings(removed)
		for _, name := range removed {
			*out = append(*out, Change{Removed, path.Join(dirPath, name)})
		}
	}
}
