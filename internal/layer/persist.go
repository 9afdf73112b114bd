package layer

import (
	"errors"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/dirent"
	"github.com/lcfs-project/lcfs/internal/dpage"
	"github.com/lcfs-project/lcfs/internal/emap"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/memtrack"
	"github.com/lcfs-project/lcfs/internal/sb"
	"github.com/lcfs-project/lcfs/internal/xattr"
)

// ErrDirtyMount reports that the device's global superblock still
// carries the dirty flag: the previous instance never wrote a clean
// checkpoint, so the on-disk metadata cannot be trusted and the caller
// reformats.
var ErrDirtyMount = errors.New("lcfs: device was not unmounted cleanly")

const (
	modeFmtBits  = 0o170000
	modeDirBits  = 0o040000
	modeRegBits  = 0o100000
	modeLinkBits = 0o120000
)

// WriteCheckpoint flushes every layer's metadata to the device in
// crash-consistent order: per-inode chains before the inode blocks that
// reference them, inode blocks before the iblock index, the index
// before the layer superblock, child superblocks before their parents',
// and every layer superblock before the global one. clean controls
// whether the global superblock's dirty flag is cleared (the final
// checkpoint of a clean unmount) or left set (a periodic checkpoint
// while the filesystem stays mounted).
func (m *Manager) WriteCheckpoint(dev *device.Device, totalBlocks uint64, clean bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.childrenFirstLocked()

	iblockHeads := make(map[int]uint64, len(ordered))
	for _, l := range ordered {
		head, err := flushLayerMeta(dev, l)
		if err != nil {
			return err
		}
		iblockHeads[l.Index] = head
	}

	// Every non-root layer needs a block for its own superblock before
	// any tree pointer can be serialised.
	for _, l := range ordered {
		if l.Index != 0 && l.SuperBlock == sb.InvalidBlock {
			blk, err := l.Pool.Alloc(1)
			if err != nil {
				return err
			}
			l.SuperBlock = blk
		}
	}
	superOf := func(idx int) uint64 {
		if idx == noParent {
			return sb.InvalidBlock
		}
		if l := m.layers[idx]; l != nil {
			return l.SuperBlock
		}
		return sb.InvalidBlock
	}

	for _, l := range ordered {
		if l.Index == 0 {
			continue
		}
		extHead, extCount, err := flushAllocated(dev, l)
		if err != nil {
			return err
		}
		rec := &sb.Superblock{
			Root:        l.RootIno,
			InodeBlock:  iblockHeads[l.Index],
			ExtentBlock: extHead,
			ExtentCount: uint64(extCount),
			NextLayer:   superOf(l.NextSibling),
			ChildLayer:  superOf(l.FirstChild),
			LastInode:   l.LastInode,
			Index:       uint32(l.Index),
			Version:     sb.VersionCurrent,
		}
		if l.RW {
			rec.Flags |= sb.SuperRDWR
		}
		if l.Init {
			rec.Flags |= sb.SuperInit
		}
		if l.Zombie {
			rec.Flags |= sb.SuperZombie
		}
		blk, err := rec.Encode()
		if err != nil {
			return err
		}
		if err := dev.WriteBlock(blk, l.SuperBlock); err != nil {
			return err
		}
	}

	// Return deferred frees and every layer's unused reservation to the
	// global pool so the free list about to be serialised is complete.
	// The runtime re-reserves on the next allocation.
	for _, l := range ordered {
		l.Pool.Checkpoint()
		l.Pool.Reclaim()
	}

	root := m.layers[0]
	extHead, extCount := sb.InvalidBlock, 0
	for n := alloc.BlocksNeeded(m.global.Free()); n > 0; {
		start, err := m.global.AllocExact(uint32(n))
		if err != nil {
			return err
		}
		root.meta = extent.Add(root.meta, start, 0, false, uint32(n))
		if n2 := alloc.BlocksNeeded(m.global.Free()); n2 != n {
			// The carve changed the free list's shape; size the chain
			// again. The run just carved stays recorded in root.meta and
			// is released at the next checkpoint.
			n = n2
			continue
		}
		blocks := blockRun(start, n)
		if err := alloc.FlushExtents(dev, blocks, m.global.Free()); err != nil {
			return err
		}
		extHead, extCount = start, n
		break
	}

	gsb := &sb.Superblock{
		Root:        root.RootIno,
		InodeBlock:  iblockHeads[0],
		ExtentBlock: extHead,
		ExtentCount: uint64(extCount),
		ChildLayer:  superOf(root.FirstChild),
		NextLayer:   sb.InvalidBlock,
		LastInode:   root.LastInode,
		NextInode:   root.Inodes.CurrentIno(),
		TotalBlocks: totalBlocks,
		Version:     sb.VersionCurrent,
		Flags:       sb.SuperRDWR,
	}
	if !clean {
		gsb.Flags |= sb.SuperDirty
	}
	blk, err := gsb.Encode()
	if err != nil {
		return err
	}
	if err := dev.WriteBlock(blk, sb.SuperBlockNum); err != nil {
		return err
	}
	return dev.Sync()
}

// childrenFirstLocked returns every live layer ordered so a layer
// always precedes its parent. Caller holds m.mu.
func (m *Manager) childrenFirstLocked() []*Layer {
	var out []*Layer
	var visit func(idx int)
	visit = func(idx int) {
		for c := idx; c != noParent; {
			l := m.layers[c]
			if l.FirstChild != noParent {
				visit(l.FirstChild)
			}
			out = append(out, l)
			c = l.NextSibling
		}
	}
	if m.layers[0].FirstChild != noParent {
		visit(m.layers[0].FirstChild)
	}
	out = append(out, m.layers[0])
	return out
}

func blockRun(start uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = start + uint64(i)
	}
	return out
}

// flushAllocated serialises a non-root layer's allocated-extent list so
// a remount can restore the blocks the layer owns. The chain's own
// blocks land in the list as they are carved, so the chain is resized
// until it stabilises.
func flushAllocated(dev *device.Device, l *Layer) (uint64, int, error) {
	for n := alloc.BlocksNeeded(l.Pool.Allocated()); n > 0; {
		start, err := l.Pool.Alloc(uint32(n))
		if err != nil {
			return sb.InvalidBlock, 0, err
		}
		l.meta = extent.Add(l.meta, start, 0, false, uint32(n))
		if n2 := alloc.BlocksNeeded(l.Pool.Allocated()); n2 != n {
			n = n2
			continue
		}
		blocks := blockRun(start, n)
		if err := alloc.FlushExtents(dev, blocks, l.Pool.Allocated()); err != nil {
			return sb.InvalidBlock, 0, err
		}
		return start, n, nil
	}
	return sb.InvalidBlock, 0, nil
}

// flushLayerMeta writes one layer's metadata chains and inode blocks,
// returning the head of its iblock index (sb.InvalidBlock when the
// layer holds no locally owned inodes). The blocks of the previous
// checkpoint are released first, deferred until this checkpoint's
// superblock lands.
func flushLayerMeta(dev *device.Device, l *Layer) (uint64, error) {
	for e := l.meta; e != nil; e = e.Next {
		l.Pool.Free(e.Start, e.Count)
	}
	l.meta = nil

	allocRun := func(n int) ([]uint64, error) {
		start, err := l.Pool.Alloc(uint32(n))
		if err != nil {
			return nil, err
		}
		l.meta = extent.Add(l.meta, start, 0, false, uint32(n))
		return blockRun(start, n), nil
	}

	var packed []inode.DiskInode
	type symlink struct {
		din    inode.DiskInode
		target string
	}
	var symlinks []symlink

	var flushErr error
	l.Inodes.Range(func(in *inode.Inode) bool {
		if in.Shared || in.Removed || in.Tmp {
			return true
		}
		in.RLock()
		din := in.Dinode
		target := in.Target
		em := in.Emap
		dir := in.Dir
		xl := in.Xattrs
		in.RUnlock()

		switch {
		case em != nil: // regular file
			din.Emapdir = sb.InvalidBlock
			if em.IsSingleExtent() {
				din.ExtentBlock = em.ExtentBlock
				din.ExtentLength = em.ExtentLength
				din.Blocks = em.ExtentLength
			} else if n := emap.BlocksNeeded(em); n > 0 {
				blocks, err := allocRun(n)
				if err != nil {
					flushErr = err
					return false
				}
				if err := emap.Flush(dev, blocks, em); err != nil {
					flushErr = err
					return false
				}
				din.Emapdir = blocks[0]
				din.ExtentBlock = sb.InvalidBlock
				din.ExtentLength = 0
				din.Blocks = uint32(extent.TotalCount(em.List))
			}
		case dir != nil:
			din.Emapdir = sb.InvalidBlock
			if n := dirent.BlocksNeeded(dir); n > 0 {
				blocks, err := allocRun(n)
				if err != nil {
					flushErr = err
					return false
				}
				if err := dirent.Flush(dev, blocks, dir); err != nil {
					flushErr = err
					return false
				}
				din.Emapdir = blocks[0]
			}
		}

		din.Xattr = sb.InvalidBlock
		if xl != nil && xl.Len() > 0 {
			blocks, err := allocRun(xattr.BlocksNeeded(xl))
			if err != nil {
				flushErr = err
				return false
			}
			if err := xattr.Flush(dev, blocks, xl); err != nil {
				flushErr = err
				return false
			}
			din.Xattr = blocks[0]
		}

		if din.Mode&modeFmtBits == modeLinkBits {
			symlinks = append(symlinks, symlink{din: din, target: target})
		} else {
			packed = append(packed, din)
		}
		return true
	})
	if flushErr != nil {
		return sb.InvalidBlock, flushErr
	}
	if len(packed) == 0 && len(symlinks) == 0 {
		return sb.InvalidBlock, nil
	}

	nInodeBlocks := (len(packed)+inode.InodesPerBlock-1)/inode.InodesPerBlock + len(symlinks)
	inodeBlocks, err := allocRun(nInodeBlocks)
	if err != nil {
		return sb.InvalidBlock, err
	}
	bi := 0
	for i := 0; i < len(packed); i += inode.InodesPerBlock {
		hi := i + inode.InodesPerBlock
		if hi > len(packed) {
			hi = len(packed)
		}
		if err := inode.FlushInodeBlock(dev, inodeBlocks[bi], packed[i:hi]); err != nil {
			return sb.InvalidBlock, err
		}
		bi++
	}
	for _, s := range symlinks {
		if err := writeSymlinkBlock(dev, inodeBlocks[bi], s.din, s.target); err != nil {
			return sb.InvalidBlock, err
		}
		bi++
	}

	iblockPages, err := allocRun(inode.BlocksNeededForIblock(len(inodeBlocks)))
	if err != nil {
		return sb.InvalidBlock, err
	}
	if err := inode.FlushIblock(dev, iblockPages, inodeBlocks); err != nil {
		return sb.InvalidBlock, err
	}
	return iblockPages[0], nil
}

// writeSymlinkBlock stores a symlink's dinode alone in its block with
// the target bytes inlined directly after it.
func writeSymlinkBlock(dev *device.Device, blockNum uint64, din inode.DiskInode, target string) error {
	enc, err := din.Encode()
	if err != nil {
		return err
	}
	if inode.DiskSize+len(target) > device.BlockSize {
		return fmt.Errorf("lcfs: symlink target too long: %d bytes", len(target))
	}
	var blk device.Block
	copy(blk[:], enc)
	copy(blk[inode.DiskSize:], target)
	return dev.WriteBlock(&blk, blockNum)
}

// LoadManager rebuilds the layer tree from a cleanly unmounted device:
// the inverse of WriteCheckpoint. It returns ErrDirtyMount when the
// global superblock still carries the dirty flag, in which case the
// caller reformats.
func LoadManager(dev *device.Device, mem *memtrack.Layer) (*Manager, error) {
	blk, err := dev.ReadBlock(sb.SuperBlockNum)
	if err != nil {
		return nil, err
	}
	gsb, err := sb.DecodeSuperblock(blk)
	if err != nil {
		return nil, err
	}
	if gsb.Flags&sb.SuperDirty != 0 {
		return nil, ErrDirtyMount
	}

	global := alloc.NewGlobalPool(sb.StartBlock, 0)
	if gsb.ExtentBlock != sb.InvalidBlock {
		free, err := alloc.ReadExtents(dev, gsb.ExtentBlock)
		if err != nil {
			return nil, err
		}
		global.SetFree(free)
	}

	m := NewManager(global, gsb.Root, mem)
	root := m.layers[0]
	root.LastInode = gsb.LastInode
	if gsb.ExtentBlock != sb.InvalidBlock {
		meta, err := chainBlocks(dev, gsb.ExtentBlock, sb.MagicExtent)
		if err != nil {
			return nil, err
		}
		root.meta = meta
	}
	if err := loadLayerInodes(dev, root, gsb.InodeBlock); err != nil {
		return nil, err
	}
	root.Inodes.SetNextIno(gsb.NextInode)

	// Layer names live as dirents in the root layer's root directory,
	// keyed back to each layer by its root inode number.
	nameByRoot := make(map[uint64]string)
	if rootDir := root.Inodes.Get(root.RootIno); rootDir != nil && rootDir.Dir != nil {
		rootDir.Dir.Range(func(name string, e dirent.Entry) bool {
			nameByRoot[e.Ino] = name
			return true
		})
	}

	if err := m.loadChildren(dev, root, gsb.ChildLayer, nameByRoot); err != nil {
		return nil, err
	}
	return m, nil
}

// loadChildren walks a sibling chain of layer superblocks, attaching
// each (and, recursively, its children) under parent.
func (m *Manager) loadChildren(dev *device.Device, parent *Layer, superBlock uint64, nameByRoot map[uint64]string) error {
	for superBlock != sb.InvalidBlock {
		blk, err := dev.ReadBlock(superBlock)
		if err != nil {
			return err
		}
		lsb, err := sb.DecodeSuperblock(blk)
		if err != nil {
			return err
		}

		idx := m.allocSlotLocked()
		l := &Layer{
			Index: idx, Parent: parent.Index, FirstChild: noParent, NextSibling: parent.FirstChild,
			Name:       nameByRoot[lsb.Root],
			RootIno:    lsb.Root,
			Pool:       alloc.NewLayerPool(m.global, false),
			Inodes:     inode.NewChild(parent.Inodes, m.mem),
			Hlinks:     parent.Hlinks.Clone(),
			RW:         lsb.Flags&sb.SuperRDWR != 0,
			ReadOnly:   lsb.Flags&sb.SuperRDWR == 0,
			Init:       lsb.Flags&sb.SuperInit != 0,
			Zombie:     lsb.Flags&sb.SuperZombie != 0,
			LastInode:  lsb.LastInode,
			SuperBlock: superBlock,
		}
		m.layers[idx] = l
		if l.Name != "" {
			m.byName[l.Name] = idx
		}
		parent.FirstChild = idx

		if lsb.ExtentBlock != sb.InvalidBlock {
			allocated, err := alloc.ReadExtents(dev, lsb.ExtentBlock)
			if err != nil {
				return err
			}
			l.Pool.SetAllocated(allocated)
			meta, err := chainBlocks(dev, lsb.ExtentBlock, sb.MagicExtent)
			if err != nil {
				return err
			}
			for e := meta; e != nil; e = e.Next {
				l.meta = extent.Add(l.meta, e.Start, 0, false, e.Count)
			}
		}
		if err := loadLayerInodes(dev, l, lsb.InodeBlock); err != nil {
			return err
		}
		if err := m.loadChildren(dev, l, lsb.ChildLayer, nameByRoot); err != nil {
			return err
		}
		if l.FirstChild != noParent {
			l.Frozen = true
		}
		superBlock = lsb.NextLayer
	}
	return nil
}

// chainBlocks walks a chained-block list and returns the block numbers
// it occupies, so the loader can rebuild the meta list a checkpoint
// frees before rewriting.
func chainBlocks(dev *device.Device, head uint64, magic uint32) (*extent.Extent, error) {
	var out *extent.Extent
	for head != sb.InvalidBlock {
		blk, err := dev.ReadBlock(head)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, magic)
		if err != nil {
			return nil, err
		}
		out = extent.Add(out, head, 0, false, 1)
		head = next
	}
	return out, nil
}

// loadLayerInodes materialises every inode reachable from a layer's
// iblock chain into its store, recording the metadata blocks visited
// into the layer's meta list.
func loadLayerInodes(dev *device.Device, l *Layer, iblockHead uint64) error {
	if iblockHead == sb.InvalidBlock {
		return nil
	}
	addMeta := func(head *extent.Extent) {
		for e := head; e != nil; e = e.Next {
			l.meta = extent.Add(l.meta, e.Start, 0, false, e.Count)
		}
	}
	iblockPages, err := chainBlocks(dev, iblockHead, sb.MagicInode)
	if err != nil {
		return err
	}
	addMeta(iblockPages)

	inodeBlocks, err := inode.ReadIblock(dev, iblockHead)
	if err != nil {
		return err
	}
	for _, blockNum := range inodeBlocks {
		l.meta = extent.Add(l.meta, blockNum, 0, false, 1)
		blk, err := dev.ReadBlock(blockNum)
		if err != nil {
			return err
		}
		for slot := 0; slot < inode.InodesPerBlock; slot++ {
			raw := blk[slot*inode.DiskSize : (slot+1)*inode.DiskSize]
			din, ok, derr := inode.DecodeDiskInode(raw)
			if derr != nil {
				return derr
			}
			if !ok {
				break
			}
			in, merr := materialize(dev, blk, din)
			if merr != nil {
				return merr
			}
			switch din.Mode & modeFmtBits {
			case modeRegBits:
				if din.Emapdir != sb.InvalidBlock {
					chain, cerr := chainBlocks(dev, din.Emapdir, sb.MagicEmap)
					if cerr != nil {
						return cerr
					}
					addMeta(chain)
				}
			case modeDirBits:
				if din.Emapdir != sb.InvalidBlock {
					chain, cerr := chainBlocks(dev, din.Emapdir, sb.MagicDir)
					if cerr != nil {
						return cerr
					}
					addMeta(chain)
				}
			}
			if din.Xattr != sb.InvalidBlock {
				chain, cerr := chainBlocks(dev, din.Xattr, sb.MagicXattr)
				if cerr != nil {
					return cerr
				}
				addMeta(chain)
			}
			l.Inodes.Insert(in)
			if din.Mode&modeFmtBits == modeLinkBits {
				// Symlinks own their whole block.
				break
			}
		}
	}
	return nil
}

// materialize rebuilds one in-core inode from its decoded dinode,
// reading whatever chains it references.
func materialize(dev *device.Device, blk *device.Block, din inode.DiskInode) (*inode.Inode, error) {
	in := &inode.Inode{Ino: din.Ino, Dinode: din}
	switch din.Mode & modeFmtBits {
	case modeRegBits:
		in.RData = dpage.New()
		switch {
		case din.ExtentLength > 0:
			in.Emap = emap.NewSingle(din.ExtentBlock, din.ExtentLength)
		case din.Emapdir != sb.InvalidBlock:
			em, err := emap.Read(dev, din.Emapdir)
			if err != nil {
				return nil, err
			}
			in.Emap = em
		default:
			in.Emap = &emap.Emap{}
		}
	case modeDirBits:
		if din.Emapdir != sb.InvalidBlock {
			d, err := dirent.Read(dev, din.Emapdir)
			if err != nil {
				return nil, err
			}
			in.Dir = d
		} else {
			in.Dir = dirent.New()
		}
	case modeLinkBits:
		end := inode.DiskSize + int(din.Size)
		if end > device.BlockSize {
			end = device.BlockSize
		}
		in.Target = string(blk[inode.DiskSize:end])
	}
	if din.Xattr != sb.InvalidBlock {
		xl, err := xattr.Read(dev, din.Xattr)
		if err != nil {
			return nil, err
		}
		in.Xattrs = xl
	}
	return in, nil
}
