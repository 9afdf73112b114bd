package inode

import (
	"sync"
	"sync/atomic"

	"github.com/lcfs-project/lcfs/internal/dirent"
	"github.com/lcfs-project/lcfs/internal/dpage"
	"github.com/lcfs-project/lcfs/internal/emap"
	"github.com/lcfs-project/lcfs/internal/memtrack"
	"github.com/lcfs-project/lcfs/internal/xattr"
)

// Inode is the in-core representation of one file, directory, or
// symlink. A freshly cloned inode starts Shared, meaning its
// Dir/Emap/Xattrs/RData fields alias the parent layer's storage and
// must be detached (a deep Clone) before the first write lands.
type Inode struct {
	mu sync.RWMutex

	Ino    uint64
	Dinode DiskInode

	Dir    *dirent.Directory // non-nil only for directories
	Emap   *emap.Emap        // non-nil only for regular files
	Target string            // symlink target
	Xattrs *xattr.List       // lazily allocated on first setxattr
	RData  *dpage.Table      // non-nil only for regular files

	Shared  bool // storage still aliases the parent layer's copy
	Dirty   bool
	Removed bool
	Tmp     bool // created and unlinked within the same layer, never flushed

	cnext *Inode // next inode on the store's dirty list
}

// Lock acquires the inode's lock for read (lookup path) or write
// (mutation path).
func (in *Inode) Lock()    { in.mu.Lock() }
func (in *Inode) Unlock()  { in.mu.Unlock() }
func (in *Inode) RLock()   { in.mu.RLock() }
func (in *Inode) RUnlock() { in.mu.RUnlock() }

// Store is one layer's inode cache and allocator. Its Parent field,
// rather than a reference to the owning layer, is what keeps this
// package from having to import package layer: the layer package wires
// Store.Parent when it creates a child layer, and Store itself only
// ever walks Parent pointers between inode.Store values.
type Store struct {
	mu     sync.RWMutex
	byIno  map[uint64]*Inode
	Parent *Store

	// nextIno is shared across the whole layer tree: inode numbers are
	// never reused once a layer tree is created.
	nextIno *uint64

	mem *memtrack.Layer

	dirtyHead *Inode
	dirtyTail *Inode
}

// NewRoot creates the inode store for a layer tree's root (base) layer,
// seeding the shared inode counter at startIno.
func NewRoot(startIno uint64, mem *memtrack.Layer) *Store {
	n := startIno
	return &Store{byIno: make(map[uint64]*Inode), nextIno: &n, mem: mem}
}

// NewChild creates the inode store for a layer cloned from parent,
// sharing its inode counter.
func NewChild(parent *Store, mem *memtrack.Layer) *Store {
	return &Store{byIno: make(map[uint64]*Inode), Parent: parent, nextIno: parent.nextIno, mem: mem}
}

// AllocIno hands out the next never-reused inode number for the layer
// tree.
func (s *Store) AllocIno() uint64 {
	return atomic.AddUint64(s.nextIno, 1)
}

// CurrentIno returns the highest inode number handed out so far without
// consuming one. Freeze snapshots it as the layer's LastInode.
func (s *Store) CurrentIno() uint64 {
	return atomic.LoadUint64(s.nextIno)
}

// SetNextIno restores the shared counter from a loaded superblock's
// NextInode field at mount.
func (s *Store) SetNextIno(v uint64) {
	atomic.StoreUint64(s.nextIno, v)
}

// Insert adds a freshly allocated inode to this layer's cache and dirty
// list.
func (s *Store) Insert(in *Inode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIno[in.Ino] = in
	in.Dirty = true
	s.appendDirtyLocked(in)
	if s.mem != nil {
		s.mem.Alloc(memtrack.KindInode, DiskSize)
	}
}

func (s *Store) appendDirtyLocked(in *Inode) {
	if s.dirtyTail != nil {
		s.dirtyTail.cnext = in
	} else {
		s.dirtyHead = in
	}
	s.dirtyTail = in
}

// lookupLocal returns an inode already resident in this layer's own
// cache, without walking Parent.
func (s *Store) lookupLocal(ino uint64) (*Inode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byIno[ino]
	return in, ok
}

// Local returns the inode for ino only if it is already resident in this
// layer's own cache (nil otherwise), without walking Parent or caching a
// fresh shared copy. Used by package diff to tell a cloned (locally
// owned) inode apart from one merely visible through the ancestor chain.
func (s *Store) Local(ino uint64) *Inode {
	in, _ := s.lookupLocal(ino)
	return in
}

// Range calls fn for every inode resident in this layer's own cache, in
// an unspecified order, stopping early if fn returns false.
func (s *Store) Range(fn func(*Inode) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.byIno {
		if !fn(in) {
			return
		}
	}
}

// Get returns the inode for ino for a read-only operation, walking up
// the Parent chain and caching the result locally (as Shared) without
// cloning any of its storage. Reads never clone; only GetForWrite
// detaches shared storage.
func (s *Store) Get(ino uint64) *Inode {
	if in, ok := s.lookupLocal(ino); ok {
		return in
	}
	if s.Parent == nil {
		return nil
	}
	parentIn := s.Parent.Get(ino)
	if parentIn == nil {
		return nil
	}
	shared := shallowShare(parentIn)
	s.mu.Lock()
	if existing, ok := s.byIno[ino]; ok {
		s.mu.Unlock()
		return existing
	}
	s.byIno[ino] = shared
	s.mu.Unlock()
	return shared
}

// shallowShare builds a local cache entry that aliases an ancestor's
// storage, marking it Shared so the first write triggers a deep copy.
func shallowShare(parentIn *Inode) *Inode {
	parentIn.RLock()
	defer parentIn.RUnlock()
	return &Inode{
		Ino:    parentIn.Ino,
		Dinode: parentIn.Dinode,
		Dir:    parentIn.Dir,
		Emap:   parentIn.Emap,
		Target: parentIn.Target,
		Xattrs: parentIn.Xattrs,
		RData:  parentIn.RData,
		Shared: true,
	}
}

// GetForWrite returns the inode for ino ready to be mutated: if the
// cached copy is Shared (inherited from an ancestor layer, or a fresh
// lookup that just crossed one), its directory/xattr/emap storage is
// deep-copied first so the mutation never touches the parent layer's
// data.
func (s *Store) GetForWrite(ino uint64) *Inode {
	in := s.Get(ino)
	if in == nil {
		return nil
	}
	in.Lock()
	if in.Shared {
		detach(in)
		in.Shared = false
	}
	if !in.Dirty {
		in.Dirty = true
		s.mu.Lock()
		s.appendDirtyLocked(in)
		s.mu.Unlock()
	}
	in.Unlock()
	return in
}

// detach deep-copies a shared inode's mutable storage. Caller holds
// in.mu for write.
func detach(in *Inode) {
	if in.Dir != nil {
		in.Dir = in.Dir.Clone()
	}
	if in.Emap != nil {
		in.Emap = in.Emap.Clone()
	}
	if in.Xattrs != nil {
		in.Xattrs = in.Xattrs.Clone()
	}
	if in.RData != nil {
		in.RData = in.RData.Clone()
	} else if in.Dinode.Mode&modeFmt == modeReg {
		in.RData = dpage.New()
	}
}

// Remove drops ino from this layer's cache (a no-op if absent).
func (s *Store) Remove(ino uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byIno, ino)
}

// DirtyInodes returns every inode queued dirty on this layer (used at
// flush/commit time) and clears the list and their Dirty flags, so a
// later write queues them again.
func (s *Store) DirtyInodes() []*Inode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Inode
	for in := s.dirtyHead; in != nil; {
		next := in.cnext
		in.cnext = nil
		in.Dirty = false
		out = append(out, in)
		in = next
	}
	s.dirtyHead, s.dirtyTail = nil, nil
	return out
}

// Len reports how many inodes this layer's cache holds locally.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIno)
}
