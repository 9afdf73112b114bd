// Package layer implements lcfs's layer manager: the tree of logical
// filesystems sharing one device, their creation/deletion/commit
// lifecycle, and the freeze/zombie bookkeeping that lets a writable
// layer become a read-only image.
package layer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/hlink"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/memtrack"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// noParent marks a layer with no parent (a base layer) in the
// index-based tree. Tree links are slot indices rather than pointers so
// a removed layer's slot can be reused without leaving dangling
// references.
const noParent = -1

var (
	ErrNotFound    = errors.New("lcfs: layer not found")
	ErrExists      = errors.New("lcfs: layer name already in use")
	ErrHasChildren = errors.New("lcfs: layer has children")
	ErrReadOnly    = errors.New("lcfs: layer is read-only or frozen")
	ErrNoSpace     = alloc.ErrNoSpace
)

// Layer is one logical filesystem: a node in the layer tree.
// Parent/FirstChild/NextSibling are slot indices into Manager.layers,
// not pointers.
type Layer struct {
	mu sync.RWMutex

	Index       int
	Name        string
	Parent      int
	FirstChild  int
	NextSibling int

	RootIno uint64
	Pool    *alloc.LayerPool
	Inodes  *inode.Store
	Hlinks  *hlink.Track

	RW               bool
	ReadOnly         bool
	Frozen           bool
	Removed          bool
	Zombie           bool
	CommitInProgress bool
	Init             bool

	// LastInode snapshots the shared inode counter at freeze time; it is
	// persisted in the layer's superblock and reported by ioctl's Stat.
	LastInode uint64

	// SuperBlock is the device block holding this layer's on-disk
	// superblock; sb.SuperBlockNum for the root layer, allocated lazily
	// at the first checkpoint for everyone else.
	SuperBlock uint64

	// meta records the blocks the last checkpoint used for this layer's
	// metadata chains, freed (deferred) before the next checkpoint
	// rewrites them.
	meta *extent.Extent
}

// Lock/Unlock/RLock/RUnlock expose the layer rwlock: held shared for
// data ops, exclusive for layer admin, freeze and commit.
func (l *Layer) Lock()    { l.mu.Lock() }
func (l *Layer) Unlock()  { l.mu.Unlock() }
func (l *Layer) RLock()   { l.mu.RLock() }
func (l *Layer) RUnlock() { l.mu.RUnlock() }

// Manager owns the layer tree and the global block pool shared by
// every layer on the device.
type Manager struct {
	mu     sync.RWMutex
	global *alloc.GlobalPool
	mem    *memtrack.Layer
	layers []*Layer
	byName map[string]int
	free   []int // recycled slot indices from deleted layers
}

// NewManager creates the layer tree with a single root layer (slot 0,
// read-only, the "layer root" directory's owning layer) holding inode
// number rootIno.
func NewManager(global *alloc.GlobalPool, rootIno uint64, mem *memtrack.Layer) *Manager {
	root := &Layer{
		Index: 0, Parent: noParent, FirstChild: noParent, NextSibling: noParent,
		RootIno:    rootIno,
		Pool:       alloc.NewLayerPool(global, true),
		Inodes:     inode.NewRoot(rootIno, mem),
		Hlinks:     hlink.New(),
		ReadOnly:   true,
		Init:       true,
		SuperBlock: sb.SuperBlockNum,
	}
	root.Inodes.CreateAt(rootIno, dirMode, 0, 0)
	return &Manager{
		global: global,
		mem:    mem,
		layers: []*Layer{root},
		byName: map[string]int{"": 0},
	}
}

// dirMode is the on-disk mode bits for a plain directory (S_IFDIR | 0755),
// used only to seed each layer's root directory inode.
const dirMode = 0o040755

// Root returns the tree's root layer.
func (m *Manager) Root() *Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layers[0]
}

// Get returns the named layer.
func (m *Manager) Get(name string) (*Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.layers[idx], true
}

// ByIndex returns the layer occupying slot idx, the form operation
// handlers use since a FUSE nodeid packs a layer index rather than a
// name.
func (m *Manager) ByIndex(idx int) (*Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx < 0 || idx >= len(m.layers) || m.layers[idx] == nil {
		return nil, false
	}
	return m.layers[idx], true
}

// Create makes a new layer: checks space, allocates a root inode for
// it, links it into the tree as a child of parentName (the empty parent
// name attaches it under the root "layer root" directory's layer), and
// freezes the parent on its first child.
func (m *Manager) Create(name, parentName string, rw bool) (*Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, ErrExists
	}
	parentIdx, ok := m.byName[parentName]
	if !ok {
		return nil, fmt.Errorf("%w: parent %q", ErrNotFound, parentName)
	}
	parent := m.layers[parentIdx]

	if !m.global.HasSpace(1, true) {
		return nil, ErrNoSpace
	}

	rootIno := parent.Inodes.AllocIno()

	idx := m.allocSlotLocked()
	l := &Layer{
		Index: idx, Parent: parentIdx, FirstChild: noParent, NextSibling: noParent,
		Name: name, RootIno: rootIno,
		Pool:       alloc.NewLayerPool(m.global, false),
		Inodes:     inode.NewChild(parent.Inodes, m.mem),
		Hlinks:     parent.Hlinks.Clone(),
		RW:         rw,
		ReadOnly:   !rw,
		Init:       true,
		SuperBlock: sb.InvalidBlock,
	}
	m.layers[idx] = l
	m.byName[name] = idx

	// The layer-root directory records every named layer: the dirent is
	// what survives a remount and lets the load path put names back on
	// the tree.
	rootLayer := m.layers[0]
	if rootDir := rootLayer.Inodes.Get(rootLayer.RootIno); rootDir != nil && rootDir.Dir != nil {
		rootDir.Dir.Add(name, rootIno, dirMode)
	}

	l.NextSibling = parent.FirstChild
	wasLeaf := parent.FirstChild == noParent
	parent.FirstChild = idx
	if wasLeaf {
		m.freezeLocked(parent)
	}

	// Clone the parent's root directory as the new layer's starting
	// point. A base layer (parented directly at the tree root) starts
	// empty instead: the root layer's directory is the layer-name
	// namespace, not a filesystem to inherit.
	parentRoot := parent.Inodes.Get(parent.RootIno)
	if parentRoot != nil && parentIdx != 0 {
		rootCopy := l.Inodes.CreateAt(rootIno, parentRoot.Dinode.Mode, parentRoot.Dinode.Uid, parentRoot.Dinode.Gid)
		if parentRoot.Dir != nil {
			rootCopy.Dir = parentRoot.Dir.Clone()
		}
	} else {
		l.Inodes.CreateAt(rootIno, dirMode, 0, 0)
	}

	return l, nil
}

func (m *Manager) allocSlotLocked() int {
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		return idx
	}
	m.layers = append(m.layers, nil)
	return len(m.layers) - 1
}

// freezeLocked stamps LastInode and marks the layer frozen so later
// mutations are rejected. Caller holds m.mu.
func (m *Manager) freezeLocked(l *Layer) {
	l.Lock()
	defer l.Unlock()
	if l.Frozen {
		return
	}
	l.LastInode = l.Inodes.CurrentIno()
	l.Frozen = true
}

// Freeze freezes a layer by name.
func (m *Manager) Freeze(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byName[name]
	if !ok {
		return ErrNotFound
	}
	m.freezeLocked(m.layers[idx])
	return nil
}

// Delete removes the named layer. The layer must be a
// leaf (no children), or a zombie with exactly one child (left in place
// until that child is itself removed, per commit's zombie bookkeeping).
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byName[name]
	if !ok {
		return ErrNotFound
	}
	l := m.layers[idx]
	if l.Index == 0 {
		return fmt.Errorf("lcfs: cannot delete the root layer")
	}

	childCount := 0
	for c := l.FirstChild; c != noParent; c = m.layers[c].NextSibling {
		childCount++
	}
	if childCount > 1 || (childCount == 1 && !l.Zombie) {
		return ErrHasChildren
	}

	l.Lock()
	l.Removed = true
	l.Unlock()

	m.unlinkLocked(l)
	if l.FirstChild != noParent {
		// A zombie's surviving child takes the zombie's place in the
		// tree so its Parent index never points at a recycled slot.
		c := m.layers[l.FirstChild]
		c.Parent = l.Parent
		if l.Parent != noParent {
			parent := m.layers[l.Parent]
			c.NextSibling = parent.FirstChild
			parent.FirstChild = c.Index
		} else {
			c.NextSibling = noParent
		}
	}
	l.Pool.ReleaseAll()
	delete(m.byName, name)
	rootLayer := m.layers[0]
	if rootDir := rootLayer.Inodes.Get(rootLayer.RootIno); rootDir != nil && rootDir.Dir != nil {
		rootDir.Dir.Remove(name)
	}
	m.layers[idx] = nil
	m.free = append(m.free, idx)
	return nil
}

// unlinkLocked splices l out of its parent's child list. Caller holds
// m.mu.
func (m *Manager) unlinkLocked(l *Layer) {
	if l.Parent == noParent {
		return
	}
	parent := m.layers[l.Parent]
	if parent.FirstChild == l.Index {
		parent.FirstChild = l.NextSibling
		return
	}
	for c := parent.FirstChild; c != noParent; c = m.layers[c].NextSibling {
		if m.layers[c].NextSibling == l.Index {
			m.layers[c].NextSibling = l.NextSibling
			return
		}
	}
}

// Checkpoint performs only the allocator-side bookkeeping of a
// checkpoint: every dirty layer's freed-pending blocks are returned to
// the global pool. WriteCheckpoint subsumes this during a full on-disk
// checkpoint; this variant serves callers with no device at hand.
func (m *Manager) Checkpoint() {
	m.mu.RLock()
	layers := make([]*Layer, 0, len(m.layers))
	for _, l := range m.layers {
		if l != nil {
			layers = append(layers, l)
		}
	}
	m.mu.RUnlock()
	for _, l := range layers {
		if l.Pool.Dirty() {
			l.Pool.Checkpoint()
		}
	}
}

// Commit promotes a writable layer to a read-only image: the writable
// layer named name is promoted to a new read-only image parented where
// name currently sits in the tree, while name itself continues to
// exist as a fresh, empty writable layer parented under that new
// image: docker-commit's "the container keeps its identity, a new
// image layer appears above its old content" semantics.
//
// This covers committing a leaf writable layer (one with no children
// of its own). Committing a layer that already has a writable
// descendant leaves the old parent image as a zombie child of the new
// one until the descendant is removed.
func (m *Manager) Commit(name, newImageName string) (*Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	l := m.layers[idx]
	if !l.RW {
		return nil, ErrReadOnly
	}
	if _, exists := m.byName[newImageName]; exists {
		return nil, ErrExists
	}
	if l.FirstChild != noParent {
		return nil, ErrHasChildren
	}

	l.Lock()
	l.CommitInProgress = true
	l.Unlock()

	parentIdx := l.Parent
	imgIdx := m.allocSlotLocked()
	image := &Layer{
		Index: imgIdx, Parent: parentIdx, FirstChild: noParent, NextSibling: l.NextSibling,
		Name: newImageName, RootIno: l.RootIno,
		Pool: l.Pool, Inodes: l.Inodes, Hlinks: l.Hlinks,
		ReadOnly:   true,
		Frozen:     true,
		Init:       l.Init,
		LastInode:  l.Inodes.CurrentIno(),
		SuperBlock: l.SuperBlock,
	}
	image.meta = l.meta
	l.meta = nil
	l.SuperBlock = sb.InvalidBlock
	m.layers[imgIdx] = image
	m.byName[newImageName] = imgIdx

	// Splice the new image into l's old position in parentIdx's child
	// list (image now occupies the tree position l used to hold).
	if parentIdx != noParent {
		parent := m.layers[parentIdx]
		if parent.FirstChild == idx {
			parent.FirstChild = imgIdx
		} else {
			for c := parent.FirstChild; c != noParent; c = m.layers[c].NextSibling {
				if m.layers[c].NextSibling == idx {
					m.layers[c].NextSibling = imgIdx
					break
				}
			}
		}
	}

	// l becomes a fresh, empty writable layer parented under the new
	// image, keeping its original name and slot index.
	newRootIno := image.Inodes.AllocIno()
	l.Parent = imgIdx
	l.FirstChild = noParent
	l.NextSibling = noParent
	image.FirstChild = idx

	l.Pool = alloc.NewLayerPool(m.global, false)
	l.Inodes = inode.NewChild(image.Inodes, m.mem)
	l.Hlinks = image.Hlinks.Clone()
	l.RootIno = newRootIno
	l.RW = true
	l.ReadOnly = false
	l.Frozen = false
	l.Init = true
	l.CommitInProgress = false

	imgRoot := image.Inodes.Get(image.RootIno)
	if imgRoot != nil {
		rootCopy := l.Inodes.CreateAt(newRootIno, imgRoot.Dinode.Mode, imgRoot.Dinode.Uid, imgRoot.Dinode.Gid)
		if imgRoot.Dir != nil {
			rootCopy.Dir = imgRoot.Dir.Clone()
		}
	}

	rootLayer := m.layers[0]
	if rootDir := rootLayer.Inodes.Get(rootLayer.RootIno); rootDir != nil && rootDir.Dir != nil {
		rootDir.Dir.Add(newImageName, image.RootIno, dirMode)
		rootDir.Dir.Add(name, newRootIno, dirMode)
	}

	return image, nil
}

// FreeBlocks reports the global pool's unallocated block count, the
// number statfs hands back as f_bfree.
func (m *Manager) FreeBlocks() uint64 {
	return m.global.FreeBlocks()
}

// Layers returns every live layer, for iteration by package bg and
// package diff.
func (m *Manager) Layers() []*Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Layer, 0, len(m.layers))
	for _, l := range m.layers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}
