// Package ops implements lcfs's file-operation handlers: the bodies
// behind lookup, create, read, write, rename and the rest of the request
// table, operating purely on the domain types (internal/layer,
// internal/inode, internal/dirent, ...) so internal/fuseserver's job is
// reduced to translating wire requests into these calls and their
// results back into wire replies. No wire types appear in this package.
package ops

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lcfs-project/lcfs/internal"
	"github.com/lcfs-project/lcfs/internal/bcache"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/dirent"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/lclog"
	"github.com/lcfs-project/lcfs/internal/layer"
	"github.com/lcfs-project/lcfs/internal/sb"
	"github.com/lcfs-project/lcfs/internal/xattr"
)

// Handlers implements every lcfs request-table entry against a single
// layer tree. A nil Dev is fine for layers whose regular files are
// never read back from disk (tests, or a filesystem still entirely
// memory-resident); Read then only sees whatever is still in the dirty
// page table.
type Handlers struct {
	Manager *layer.Manager
	Dev     *device.Device
	Cache   *bcache.Cache
	Log     *lclog.Logger

	// TotalBlocks is the device's block count, reported by Statfs.
	TotalBlocks uint64
}

// cacheBuckets sizes the clean-page cache shared across the layer tree.
const (
	cacheBuckets = 1024
	cacheLocks   = 32
	cachePageMax = 4096
)

// New returns a Handlers for m. log defaults to lclog.New("ops") if nil.
func New(m *layer.Manager, dev *device.Device, log *lclog.Logger) *Handlers {
	if log == nil {
		log = lclog.New("ops")
	}
	return &Handlers{
		Manager: m,
		Dev:     dev,
		Cache:   bcache.New(cacheBuckets, cacheLocks, cachePageMax, nil),
		Log:     log,
	}
}

// Attr is the subset of a dinode the request table hands back on
// lookup/create/getattr/setattr.
type Attr struct {
	Ino    uint64
	Mode   uint32
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Rdev   uint32
	Size   int64
	Mtime  time.Time
	Ctime  time.Time
}

// Caller carries the requesting uid/gid the FUSE layer supplies
// with every request, matching package fuse's *Context plumbed through
// LoopbackFileSystem's methods.
type Caller struct {
	Uid uint32
	Gid uint32
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32
}

// StatfsReply answers the statfs request.
type StatfsReply struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	Files       uint64
}

const (
	modeFmt = 0o170000
	modeDir = unix.S_IFDIR
	modeReg = unix.S_IFREG
	modeLnk = unix.S_IFLNK
)

func toAttr(in *inode.Inode) Attr {
	in.RLock()
	defer in.RUnlock()
	d := in.Dinode
	return Attr{
		Ino: d.Ino, Mode: d.Mode, Nlink: d.Nlink, Uid: d.Uid, Gid: d.Gid,
		Rdev: d.Rdev, Size: d.Size,
		Mtime: time.Unix(d.Mtime, int64(d.MtimeNsec)),
		Ctime: time.Unix(d.Ctime, int64(d.CtimeNsec)),
	}
}

// resolve splits a packed file handle into its layer and the resident
// inode, per sb.SplitFileHandle.
func (h *Handlers) resolve(fh uint64) (*layer.Layer, *inode.Inode, error) {
	idx, ino := sb.SplitFileHandle(fh)
	l, ok := h.Manager.ByIndex(int(idx))
	if !ok {
		return nil, nil, unix.ESTALE
	}
	in := l.Inodes.Get(ino)
	if in == nil {
		return nil, nil, unix.ENOENT
	}
	return l, in, nil
}

func fh(l *layer.Layer, ino uint64) uint64 {
	return sb.FileHandle(uint32(l.Index), ino)
}

// Lookup resolves name within the directory identified by dirFH.
func (h *Handlers) Lookup(dirFH uint64, name string) (uint64, Attr, error) {
	l, dir, err := h.resolve(dirFH)
	if err != nil {
		return 0, Attr{}, err
	}
	dir.RLock()
	e, ok := dir.Dir.Lookup(name)
	dir.RUnlock()
	if !ok {
		return 0, Attr{}, unix.ENOENT
	}
	child := l.Inodes.Get(e.Ino)
	if child == nil {
		// A layer-name entry in the layer-root directory resolves to an
		// inode owned by that layer, not by the directory's own layer;
		// re-target the handle at the layer whose root it is.
		for _, cl := range h.Manager.Layers() {
			if cl.RootIno != e.Ino {
				continue
			}
			if in := cl.Inodes.Get(e.Ino); in != nil {
				return fh(cl, e.Ino), toAttr(in), nil
			}
		}
		return 0, Attr{}, unix.ESTALE
	}
	return fh(l, child.Ino), toAttr(child), nil
}

// Getattr returns the attributes of the inode identified by ino.
func (h *Handlers) Getattr(ino uint64) (Attr, error) {
	_, in, err := h.resolve(ino)
	if err != nil {
		return Attr{}, err
	}
	return toAttr(in), nil
}

// SetattrReq carries only the fields the caller asked to change; a nil
// pointer field means "leave unchanged", mirroring FUSE's setattr valid
// bitmask without reproducing its wire encoding here.
type SetattrReq struct {
	Mode *uint32
	Uid  *uint32
	Gid  *uint32
	Size *int64
	Mtime *time.Time
}

// Setattr applies req to the inode identified by ino.
func (h *Handlers) Setattr(ino uint64, req SetattrReq) (Attr, error) {
	l, _, err := h.resolve(ino)
	if err != nil {
		return Attr{}, err
	}
	if !l.RW {
		return Attr{}, unix.EROFS
	}
	_, rawIno := sb.SplitFileHandle(ino)
	in := l.Inodes.GetForWrite(rawIno)
	if in == nil {
		return Attr{}, unix.ENOENT
	}
	in.Lock()
	defer in.Unlock()
	if req.Mode != nil {
		in.Dinode.Mode = (in.Dinode.Mode &^ 0o7777) | (*req.Mode & 0o7777)
	}
	if req.Uid != nil {
		in.Dinode.Uid = *req.Uid
	}
	if req.Gid != nil {
		in.Dinode.Gid = *req.Gid
	}
	if req.Size != nil {
		h.truncateLocked(l, in, *req.Size)
	}
	now := time.Now()
	in.Dinode.Ctime = now.Unix()
	if req.Mtime != nil {
		in.Dinode.Mtime = req.Mtime.Unix()
	} else {
		in.Dinode.Mtime = now.Unix()
	}
	return Attr{
		Ino: in.Dinode.Ino, Mode: in.Dinode.Mode, Nlink: in.Dinode.Nlink,
		Uid: in.Dinode.Uid, Gid: in.Dinode.Gid, Rdev: in.Dinode.Rdev,
		Size: in.Dinode.Size,
		Mtime: time.Unix(in.Dinode.Mtime, 0), Ctime: time.Unix(in.Dinode.Ctime, 0),
	}, nil
}

// truncateLocked implements the shrink/grow half of setattr's size
// field. On a shrink the blocks mapped wholly beyond the new end are
// queued for freeing on the layer, the dirty pages past it are dropped,
// and the surviving partial tail page is zero-filled beyond the new end
// so a later extend cannot expose stale bytes. Caller holds in.mu for
// write.
func (h *Handlers) truncateLocked(l *layer.Layer, in *inode.Inode, size int64) {
	if in.Emap == nil {
		in.Dinode.Size = size
		return
	}
	pageSize := int64(device.BlockSize)
	newPages := uint64((size + pageSize - 1) / pageSize)
	if size < in.Dinode.Size {
		for e := in.Emap.Tail(newPages); e != nil; e = e.Next {
			l.Pool.Free(e.Block, e.Count)
			if h.Cache != nil {
				for i := uint32(0); i < e.Count; i++ {
					h.Cache.Invalidate(e.Block + uint64(i))
				}
			}
		}
		in.Emap.Truncate(newPages)
		if in.RData != nil {
			in.RData.Truncate(newPages)
		}
		if keep := int(size % pageSize); keep != 0 {
			h.zeroTailLocked(in, newPages-1, keep)
		}
	}
	in.Dinode.Size = size
}

// zeroTailLocked rewrites the partial tail page pg with everything at
// or beyond keep zeroed, merging the on-disk block (if mapped) with any
// dirty bytes first. The zeroed page lands in the dirty table, so the
// next flush persists it. Caller holds in.mu for write.
func (h *Handlers) zeroTailLocked(in *inode.Inode, pg uint64, keep int) {
	if in.RData == nil {
		return
	}
	var full device.Block
	have := false
	if h.Dev != nil {
		if block, ok := in.Emap.Lookup(pg); ok {
			if b, err := h.Dev.ReadBlock(block); err == nil {
				full = *b
				have = true
			}
		}
	}
	if data, poff, psize, ok := in.RData.Read(pg); ok {
		copy(full[poff:poff+psize], data[poff:poff+psize])
		have = true
	}
	if !have {
		return
	}
	for i := keep; i < device.BlockSize; i++ {
		full[i] = 0
	}
	in.RData.Write(pg, 0, full[:])
}

func (h *Handlers) createChild(parentFH uint64, name string, mode, uid, gid uint32, target string) (uint64, Attr, error) {
	l, dir, err := h.resolve(parentFH)
	if err != nil {
		return 0, Attr{}, err
	}
	if !l.RW {
		return 0, Attr{}, unix.EROFS
	}
	dir.RLock()
	_, exists := dir.Dir.Lookup(name)
	dir.RUnlock()
	if exists {
		return 0, Attr{}, unix.EEXIST
	}
	_, rawParent := sb.SplitFileHandle(parentFH)
	parentDir := l.Inodes.GetForWrite(rawParent)
	child := l.Inodes.Create(mode, uid, gid, rawParent, target)
	parentDir.Lock()
	parentDir.Dir.Add(name, child.Ino, mode)
	parentDir.Unlock()
	if mode&modeFmt != modeDir {
		l.Hlinks.Add(child.Ino, rawParent, l.RootIno)
	}
	return fh(l, child.Ino), toAttr(child), nil
}

// Mknod creates a regular file, device node, or FIFO.
func (h *Handlers) Mknod(parentFH uint64, name string, mode, rdev, uid, gid uint32) (uint64, Attr, error) {
	childFH, attr, err := h.createChild(parentFH, name, mode, uid, gid, "")
	if err != nil {
		return 0, Attr{}, err
	}
	if rdev != 0 {
		_, in, _ := h.resolve(childFH)
		in.Lock()
		in.Dinode.Rdev = rdev
		in.Unlock()
	}
	return childFH, attr, nil
}

// Create is Mknod specialised to a plain regular file, the common path
// for an O_CREAT open.
func (h *Handlers) Create(parentFH uint64, name string, mode, uid, gid uint32) (uint64, Attr, error) {
	return h.createChild(parentFH, name, modeReg|(mode&0o7777), uid, gid, "")
}

// Mkdir creates a subdirectory.
func (h *Handlers) Mkdir(parentFH uint64, name string, mode, uid, gid uint32) (uint64, Attr, error) {
	return h.createChild(parentFH, name, modeDir|(mode&0o7777), uid, gid, "")
}

// Symlink creates a symbolic link pointing at target.
func (h *Handlers) Symlink(parentFH uint64, name, target string, uid, gid uint32) (uint64, Attr, error) {
	return h.createChild(parentFH, name, modeLnk|0o777, uid, gid, target)
}

// Readlink returns a symlink's target.
func (h *Handlers) Readlink(ino uint64) (string, error) {
	_, in, err := h.resolve(ino)
	if err != nil {
		return "", err
	}
	in.RLock()
	defer in.RUnlock()
	if in.Dinode.Mode&modeFmt != modeLnk {
		return "", unix.EINVAL
	}
	return in.Target, nil
}

// Link creates a new name for an existing inode (a hard link).
func (h *Handlers) Link(targetIno uint64, newParentFH uint64, newName string) (Attr, error) {
	l, _, err := h.resolve(targetIno)
	if err != nil {
		return Attr{}, err
	}
	if !l.RW {
		return Attr{}, unix.EROFS
	}
	pl, parentDir, err := h.resolve(newParentFH)
	if err != nil {
		return Attr{}, err
	}
	if pl != l {
		return Attr{}, unix.EXDEV
	}
	parentDir.RLock()
	_, exists := parentDir.Dir.Lookup(newName)
	parentDir.RUnlock()
	if exists {
		return Attr{}, unix.EEXIST
	}
	_, rawParent := sb.SplitFileHandle(newParentFH)
	pd := l.Inodes.GetForWrite(rawParent)
	_, rawTarget := sb.SplitFileHandle(targetIno)
	t := l.Inodes.GetForWrite(rawTarget)
	t.Lock()
	t.Dinode.Nlink++
	mode := t.Dinode.Mode
	t.Unlock()
	pd.Lock()
	pd.Dir.Add(newName, t.Ino, mode)
	pd.Unlock()
	l.Hlinks.Add(t.Ino, rawParent, l.RootIno)
	return toAttr(t), nil
}

// Unlink removes a non-directory name from its parent directory.
func (h *Handlers) Unlink(parentFH uint64, name string) error {
	return h.removeName(parentFH, name, false)
}

// Rmdir removes an empty subdirectory name from its parent directory.
func (h *Handlers) Rmdir(parentFH uint64, name string) error {
	return h.removeName(parentFH, name, true)
}

func (h *Handlers) removeName(parentFH uint64, name string, wantDir bool) error {
	l, parentDir, err := h.resolve(parentFH)
	if err != nil {
		return err
	}
	if !l.RW {
		return unix.EROFS
	}
	parentDir.RLock()
	e, ok := parentDir.Dir.Lookup(name)
	parentDir.RUnlock()
	if !ok {
		return unix.ENOENT
	}
	isDir := e.Mode&modeFmt == modeDir
	if isDir != wantDir {
		if wantDir {
			return unix.ENOTDIR
		}
		return unix.EISDIR
	}
	_, rawParent := sb.SplitFileHandle(parentFH)
	pd := l.Inodes.GetForWrite(rawParent)
	child := l.Inodes.GetForWrite(e.Ino)
	if isDir {
		child.RLock()
		empty := child.Dir == nil || child.Dir.Len() == 0
		child.RUnlock()
		if !empty {
			return unix.ENOTEMPTY
		}
	}
	pd.Lock()
	pd.Dir.Remove(name)
	pd.Unlock()

	child.Lock()
	child.Dinode.Nlink--
	nlink := child.Dinode.Nlink
	child.Unlock()

	if !isDir {
		last := l.Hlinks.Remove(e.Ino, rawParent, l.RootIno)
		if last && nlink == 0 {
			l.Inodes.Remove(e.Ino)
		}
	} else {
		l.Inodes.Remove(e.Ino)
	}
	return nil
}

// Rename moves name from oldParentFH to newName under newParentFH,
// replacing any existing newName. Cross-layer rename is rejected.
func (h *Handlers) Rename(oldParentFH uint64, oldName string, newParentFH uint64, newName string) error {
	ol, oldDir, err := h.resolve(oldParentFH)
	if err != nil {
		return err
	}
	nl, newDir, err := h.resolve(newParentFH)
	if err != nil {
		return err
	}
	if ol != nl {
		return unix.EXDEV
	}
	l := ol
	if !l.RW {
		return unix.EROFS
	}
	oldDir.RLock()
	e, ok := oldDir.Dir.Lookup(oldName)
	oldDir.RUnlock()
	if !ok {
		return unix.ENOENT
	}

	_, rawOldParent := sb.SplitFileHandle(oldParentFH)
	_, rawNewParent := sb.SplitFileHandle(newParentFH)
	od := l.Inodes.GetForWrite(rawOldParent)
	nd := l.Inodes.GetForWrite(rawNewParent)

	if od == nd && oldName == newName {
		return nil
	}

	newDir.RLock()
	existing, existed := newDir.Dir.Lookup(newName)
	newDir.RUnlock()
	if existed {
		ec := l.Inodes.GetForWrite(existing.Ino)
		if ec.Dir != nil && ec.Dir.Len() > 0 {
			return unix.ENOTEMPTY
		}
		nd.Lock()
		nd.Dir.Remove(newName)
		nd.Unlock()
		ec.Lock()
		ec.Dinode.Nlink--
		ec.Unlock()
		l.Inodes.Remove(existing.Ino)
	}

	od.Lock()
	od.Dir.Remove(oldName)
	od.Unlock()
	nd.Lock()
	nd.Dir.Add(newName, e.Ino, e.Mode)
	nd.Unlock()

	if e.Mode&modeFmt != modeDir {
		l.Hlinks.Remove(e.Ino, rawOldParent, l.RootIno)
		l.Hlinks.Add(e.Ino, rawNewParent, l.RootIno)
	} else if moved := l.Inodes.GetForWrite(e.Ino); moved != nil {
		moved.Lock()
		moved.Dinode.Parent = rawNewParent
		moved.Unlock()
	}
	return nil
}

// Read returns up to size bytes starting at offset from the regular file
// identified by ino, merging dirty in-memory pages with on-disk content.
func (h *Handlers) Read(ino uint64, offset int64, size int) ([]byte, error) {
	_, in, err := h.resolve(ino)
	if err != nil {
		return nil, err
	}
	in.RLock()
	defer in.RUnlock()
	if in.Dinode.Mode&modeFmt != modeReg {
		return nil, unix.EISDIR
	}
	if offset >= in.Dinode.Size {
		return nil, nil
	}
	if int64(size) > in.Dinode.Size-offset {
		size = int(in.Dinode.Size - offset)
	}
	out := make([]byte, 0, size)
	pageSize := int64(device.BlockSize)
	for len(out) < size {
		pg := uint64((offset + int64(len(out))) / pageSize)
		pgOff := int((offset + int64(len(out))) % pageSize)
		n := int(pageSize) - pgOff
		if n > size-len(out) {
			n = size - len(out)
		}
		out = append(out, h.readPage(in, pg, pgOff, n)...)
	}
	return out, nil
}

// readPage fills n bytes starting at pgOff within logical page pg: the
// on-disk block first (when one is mapped), then the inode's dirty
// bytes overlaid on top, so a partially dirty page merges correctly.
func (h *Handlers) readPage(in *inode.Inode, pg uint64, pgOff, n int) []byte {
	buf := make([]byte, n)

	var dirty *device.Block
	lo, hi := 0, 0
	if in.RData != nil {
		if data, poff, psize, ok := in.RData.Read(pg); ok {
			dirty = data
			lo, hi = poff, poff+psize
		}
	}

	covered := dirty != nil && lo <= pgOff && hi >= pgOff+n
	if !covered && h.Dev != nil && in.Emap != nil {
		if block, ok := in.Emap.Lookup(pg); ok {
			if h.Cache != nil {
				if p, err := h.Cache.Get(h.Dev, block, true); err == nil {
					copy(buf, p.Data()[pgOff:pgOff+n])
					h.Cache.Release(p, false)
				}
			} else if b, err := h.Dev.ReadBlock(block); err == nil {
				copy(buf, b[pgOff:pgOff+n])
			}
		}
	}

	if dirty != nil {
		for i := 0; i < n; i++ {
			if pgOff+i >= lo && pgOff+i < hi {
				buf[i] = dirty[pgOff+i]
			}
		}
	}
	return buf
}

// Write stores data at offset in the regular file identified by ino,
// extending its size if the write runs past the current end.
func (h *Handlers) Write(ino uint64, offset int64, data []byte) (int, error) {
	l, _, err := h.resolve(ino)
	if err != nil {
		return 0, err
	}
	if !l.RW {
		return 0, unix.EROFS
	}
	_, rawIno := sb.SplitFileHandle(ino)
	in := l.Inodes.GetForWrite(rawIno)
	if in == nil {
		return 0, unix.ENOENT
	}
	in.Lock()
	defer in.Unlock()
	if in.Dinode.Mode&modeFmt != modeReg {
		return 0, unix.EISDIR
	}
	if in.RData == nil {
		return 0, unix.EINVAL
	}
	pageSize := int64(device.BlockSize)
	written := 0
	for written < len(data) {
		abs := offset + int64(written)
		pg := uint64(abs / pageSize)
		pgOff := int(abs % pageSize)
		n := int(pageSize) - pgOff
		if n > len(data)-written {
			n = len(data) - written
		}
		in.RData.Write(pg, pgOff, data[written:written+n])
		written += n
	}
	if end := offset + int64(written); end > in.Dinode.Size {
		in.Dinode.Size = end
	}
	now := time.Now()
	in.Dinode.Mtime, in.Dinode.Ctime = now.Unix(), now.Unix()
	// Bound per-file dirty memory: once the table crosses its
	// threshold, flush synchronously before replying.
	if h.Dev != nil && !in.Tmp && in.RData.NeedsFlush() {
		if err := h.flushLocked(l, in); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Flush commits an inode's accumulated dirty pages early, without
// waiting for the background flusher's tick.
func (h *Handlers) Flush(ino uint64) error {
	l, in, err := h.resolve(ino)
	if err != nil {
		return err
	}
	// A still-shared inode's dirty pages and emap belong to an ancestor
	// layer; flushing them here would mutate the ancestor's state
	// through the alias.
	if h.Dev == nil || in.Shared || in.RData == nil || in.RData.Len() == 0 {
		return nil
	}
	in.Lock()
	defer in.Unlock()
	return h.flushLocked(l, in)
}

// flushLocked writes the inode's dirty pages through the dirty page
// engine, collapses the emap back into single-extent form when the
// whole file landed as one contiguous run, and invalidates the block
// cache for the freshly assigned blocks. Caller holds in.mu for write.
func (h *Handlers) flushLocked(l *layer.Layer, in *inode.Inode) error {
	runs, err := in.RData.Flush(h.Dev, l.Pool, in.Emap, func(pg uint64) (*device.Block, bool) {
		if in.Emap == nil {
			return nil, false
		}
		block, ok := in.Emap.Lookup(pg)
		if !ok {
			return nil, false
		}
		b, rerr := h.Dev.ReadBlock(block)
		if rerr != nil {
			return nil, false
		}
		return b, true
	})
	if err != nil {
		return unix.EIO
	}
	pageCount := uint64((in.Dinode.Size + int64(device.BlockSize) - 1) / int64(device.BlockSize))
	in.Emap.TrySingleExtent(pageCount)
	if h.Cache != nil {
		for _, r := range runs {
			for i := uint32(0); i < r.Count; i++ {
				h.Cache.Invalidate(r.StartBlock + uint64(i))
			}
		}
	}
	return nil
}

// Fsync is Flush followed by a device-level sync.
func (h *Handlers) Fsync(ino uint64) error {
	if err := h.Flush(ino); err != nil {
		return err
	}
	if h.Dev != nil {
		if err := h.Dev.Sync(); err != nil {
			return unix.EIO
		}
	}
	return nil
}

// Release is a no-op: lcfs keeps no per-open-file state beyond the
// inode itself.
func (h *Handlers) Release(ino uint64) error { return nil }

// Opendir validates that ino is a directory; lcfs keeps no separate
// directory-handle state, so the returned handle is just ino itself.
func (h *Handlers) Opendir(ino uint64) (uint64, error) {
	_, in, err := h.resolve(ino)
	if err != nil {
		return 0, err
	}
	in.RLock()
	defer in.RUnlock()
	if in.Dinode.Mode&modeFmt != modeDir {
		return 0, unix.ENOTDIR
	}
	return ino, nil
}

// Readdir lists a directory's entries in name order.
func (h *Handlers) Readdir(dirFH uint64) ([]DirEntry, error) {
	_, dir, err := h.resolve(dirFH)
	if err != nil {
		return nil, err
	}
	dir.RLock()
	defer dir.RUnlock()
	if dir.Dir == nil {
		return nil, unix.ENOTDIR
	}
	var out []DirEntry
	dir.Dir.Range(func(name string, e dirent.Entry) bool {
		out = append(out, DirEntry{Name: name, Ino: e.Ino, Mode: e.Mode})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Releasedir is a no-op for the same reason as Release.
func (h *Handlers) Releasedir(ino uint64) error { return nil }

// Access checks whether the calling uid/gid satisfies mask (the
// R_OK/W_OK/X_OK bits) against ino's owner/group/other permission bits.
func (h *Handlers) Access(ino uint64, caller Caller, mask uint32) error {
	_, in, err := h.resolve(ino)
	if err != nil {
		return err
	}
	in.RLock()
	defer in.RUnlock()
	if !internal.HasAccess(caller.Uid, caller.Gid, in.Dinode.Uid, in.Dinode.Gid, in.Dinode.Mode, mask) {
		return unix.EACCES
	}
	return nil
}

// xattrEnabled flips once any inode in the tree gets an xattr. Until
// the first successful Setxattr, Getxattr/Listxattr answer
// ENODATA/empty without touching any inode's lazily allocated Xattrs
// list.
var xattrEnabled int32

// Getxattr returns the value stored under name on ino.
func (h *Handlers) Getxattr(ino uint64, name string) ([]byte, error) {
	if atomic.LoadInt32(&xattrEnabled) == 0 {
		return nil, unix.ENODATA
	}
	_, in, err := h.resolve(ino)
	if err != nil {
		return nil, err
	}
	in.RLock()
	defer in.RUnlock()
	if in.Xattrs == nil {
		return nil, unix.ENODATA
	}
	v, ok := in.Xattrs.Get(name)
	if !ok {
		return nil, unix.ENODATA
	}
	return v, nil
}

// Listxattr returns the concatenated NUL-terminated attribute names set
// on ino.
func (h *Handlers) Listxattr(ino uint64) ([]byte, error) {
	if atomic.LoadInt32(&xattrEnabled) == 0 {
		return nil, nil
	}
	_, in, err := h.resolve(ino)
	if err != nil {
		return nil, err
	}
	in.RLock()
	defer in.RUnlock()
	if in.Xattrs == nil {
		return nil, nil
	}
	var buf []byte
	for _, name := range in.Xattrs.Names() {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// XattrCreate and XattrReplace mirror the FUSE setxattr flags: Create
// requires the name be absent, Replace requires it already exist, and
// neither set means "create or replace".
const (
	XattrCreate = 1 << iota
	XattrReplace
)

// Setxattr creates or replaces the value stored under name on ino.
func (h *Handlers) Setxattr(ino uint64, name string, value []byte, flags uint32) error {
	l, _, err := h.resolve(ino)
	if err != nil {
		return err
	}
	if !l.RW {
		return unix.EROFS
	}
	_, rawIno := sb.SplitFileHandle(ino)
	in := l.Inodes.GetForWrite(rawIno)
	if in == nil {
		return unix.ENOENT
	}
	in.Lock()
	defer in.Unlock()
	if in.Xattrs == nil {
		in.Xattrs = xattr.New()
	}
	_, exists := in.Xattrs.Get(name)
	if flags&XattrCreate != 0 && exists {
		return unix.EEXIST
	}
	if flags&XattrReplace != 0 && !exists {
		return unix.ENODATA
	}
	if err := in.Xattrs.Add(name, value, false); err != nil {
		return unix.EEXIST
	}
	atomic.StoreInt32(&xattrEnabled, 1)
	return nil
}

// Removexattr deletes the attribute named name from ino.
func (h *Handlers) Removexattr(ino uint64, name string) error {
	l, _, err := h.resolve(ino)
	if err != nil {
		return err
	}
	if !l.RW {
		return unix.EROFS
	}
	_, rawIno := sb.SplitFileHandle(ino)
	in := l.Inodes.GetForWrite(rawIno)
	if in == nil {
		return unix.ENOENT
	}
	in.Lock()
	defer in.Unlock()
	if in.Xattrs == nil || !in.Xattrs.Remove(name) {
		return unix.ENODATA
	}
	return nil
}

// Statfs reports space and inode usage for the layer owning fh.
func (h *Handlers) Statfs(fh uint64) (StatfsReply, error) {
	l, _, err := h.resolve(fh)
	if err != nil {
		return StatfsReply{}, err
	}
	return StatfsReply{
		TotalBlocks: h.TotalBlocks,
		FreeBlocks:  h.Manager.FreeBlocks(),
		Files:       uint64(l.Inodes.Len()),
	}, nil
}

// RootFH returns the file handle for the layer-root directory, the
// starting point every mount presents to the kernel.
func (h *Handlers) RootFH(layerName string) (uint64, error) {
	l, ok := h.Manager.Get(layerName)
	if !ok {
		return 0, fmt.Errorf("lcfs: %w: %q", layer.ErrNotFound, layerName)
	}
	return fh(l, l.RootIno), nil
}
