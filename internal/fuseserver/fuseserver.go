// Package fuseserver binds lcfs's operation handlers (internal/ops) to
// a real kernel FUSE mount, using github.com/hanwen/go-fuse/v2/fs as
// the transport. Node owns no domain state of its own: every method is
// a thin translation from the fs package's InodeEmbedder callbacks into
// a call on *ops.Handlers and back into fuse reply structs.
package fuseserver

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lcfs-project/lcfs/internal/ioctl"
	"github.com/lcfs-project/lcfs/internal/ops"
)

// Node is the InodeEmbedder every lookup, create, and mount-root returns.
// Its identity is the same packed (layer-index, inode-number) file handle
// internal/ops and internal/sb use everywhere else, stored directly as
// the kernel-visible StableAttr.Ino so no separate translation table is
// needed between fs.Inode and lcfs's own inode identity.
type Node struct {
	fs.Inode

	h  *ops.Handlers
	fh uint64
}

var (
	_ fs.InodeEmbedder    = (*Node)(nil)
	_ fs.NodeLookuper     = (*Node)(nil)
	_ fs.NodeGetattrer    = (*Node)(nil)
	_ fs.NodeSetattrer    = (*Node)(nil)
	_ fs.NodeMkdirer      = (*Node)(nil)
	_ fs.NodeMknoder      = (*Node)(nil)
	_ fs.NodeCreater      = (*Node)(nil)
	_ fs.NodeSymlinker    = (*Node)(nil)
	_ fs.NodeLinker       = (*Node)(nil)
	_ fs.NodeReadlinker   = (*Node)(nil)
	_ fs.NodeUnlinker     = (*Node)(nil)
	_ fs.NodeRmdirer      = (*Node)(nil)
	_ fs.NodeRenamer      = (*Node)(nil)
	_ fs.NodeOpener       = (*Node)(nil)
	_ fs.NodeReader       = (*Node)(nil)
	_ fs.NodeWriter       = (*Node)(nil)
	_ fs.NodeFlusher      = (*Node)(nil)
	_ fs.NodeFsyncer      = (*Node)(nil)
	_ fs.NodeReleaser     = (*Node)(nil)
	_ fs.NodeOpendirer    = (*Node)(nil)
	_ fs.NodeReaddirer    = (*Node)(nil)
	_ fs.NodeAccesser     = (*Node)(nil)
	_ fs.NodeStatfser     = (*Node)(nil)
	_ fs.NodeGetxattrer   = (*Node)(nil)
	_ fs.NodeSetxattrer   = (*Node)(nil)
	_ fs.NodeListxattrer  = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
)

// errno converts an internal/ops domain error (always a golang.org/x/sys/unix
// errno constant, itself a syscall.Errno on every platform lcfs targets)
// into the syscall.Errno the fs package's callbacks reply with. Anything
// that isn't already an errno is a bug in a handler, reported as EIO so it
// shows up rather than being silently swallowed.
func errno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	return syscall.EIO
}

func newNode(h *ops.Handlers, fh uint64) *Node {
	return &Node{h: h, fh: fh}
}

func toStable(a ops.Attr) fs.StableAttr {
	return fs.StableAttr{Mode: a.Mode, Ino: a.Ino}
}

func setAttrOut(a ops.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Rdev = a.Rdev
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Mtime = uint64(a.Mtime.Unix())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Atime = out.Mtime
}

// childResult resolves a freshly created or looked-up child fh into a
// *fs.Inode the fs package links into the tree automatically, the way
// every Node*er callback in package fs is documented to work.
func (n *Node) childResult(ctx context.Context, fh uint64, a ops.Attr, out *fuse.EntryOut) *fs.Inode {
	setAttrOut(a, &out.Attr)
	return n.NewInode(ctx, newNode(n.h, fh), toStable(a))
}

// Lookup implements fs.NodeLookuper.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childFH, a, err := n.h.Lookup(n.fh, name)
	if err != nil {
		return nil, errno(err)
	}
	return n.childResult(ctx, childFH, a, out), fs.OK
}

// Getattr implements fs.NodeGetattrer.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.h.Getattr(n.fh)
	if err != nil {
		return errno(err)
	}
	setAttrOut(a, &out.Attr)
	return fs.OK
}

// Setattr implements fs.NodeSetattrer.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req ops.SetattrReq
	if in.Valid&fuse.FATTR_MODE != 0 {
		m := in.Mode
		req.Mode = &m
	}
	if in.Valid&fuse.FATTR_UID != 0 {
		u := in.Uid
		req.Uid = &u
	}
	if in.Valid&fuse.FATTR_GID != 0 {
		g := in.Gid
		req.Gid = &g
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		s := int64(in.Size)
		req.Size = &s
	}
	a, err := n.h.Setattr(n.fh, req)
	if err != nil {
		return errno(err)
	}
	setAttrOut(a, &out.Attr)
	return fs.OK
}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	childFH, a, err := n.h.Mkdir(n.fh, name, mode, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	return n.childResult(ctx, childFH, a, out), fs.OK
}

// Mknod implements fs.NodeMknoder.
func (n *Node) Mknod(ctx context.Context, name string, mode, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	childFH, a, err := n.h.Mknod(n.fh, name, mode, dev, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	return n.childResult(ctx, childFH, a, out), fs.OK
}

// Create implements fs.NodeCreater.
func (n *Node) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := caller(ctx)
	childFH, a, err := n.h.Create(n.fh, name, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	return n.childResult(ctx, childFH, a, out), nil, 0, fs.OK
}

// Symlink implements fs.NodeSymlinker.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	childFH, a, err := n.h.Symlink(n.fh, name, target, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	return n.childResult(ctx, childFH, a, out), fs.OK
}

// Link implements fs.NodeLinker.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tnode, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	a, err := n.h.Link(tnode.fh, n.fh, name)
	if err != nil {
		return nil, errno(err)
	}
	return n.childResult(ctx, tnode.fh, a, out), fs.OK
}

// Readlink implements fs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.h.Readlink(n.fh)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.h.Unlink(n.fh, name))
}

// Rmdir implements fs.NodeRmdirer.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.h.Rmdir(n.fh, name))
}

// Rename implements fs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.h.Rename(n.fh, name, np.fh, newName))
}

// fileHandle is the FileHandle fs.NodeOpener/NodeCreater return: lcfs
// keeps no open-file state of its own, so this only carries the fh along for
// the FileReader/FileWriter fallback the fs package never actually
// needs here since Node itself implements NodeReader/NodeWriter.
type fileHandle struct{ fh uint64 }

// Open implements fs.NodeOpener.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &fileHandle{n.fh}, 0, fs.OK
}

// Read implements fs.NodeReader.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.h.Read(n.fh, off, len(dest))
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(data), fs.OK
}

// Write implements fs.NodeWriter.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.h.Write(n.fh, off, data)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(written), fs.OK
}

// Flush implements fs.NodeFlusher.
func (n *Node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return errno(n.h.Flush(n.fh))
}

// Fsync implements fs.NodeFsyncer.
func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return errno(n.h.Fsync(n.fh))
}

// Release implements fs.NodeReleaser.
func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return errno(n.h.Release(n.fh))
}

// Opendir implements fs.NodeOpendirer.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	_, err := n.h.Opendir(n.fh)
	return errno(err)
}

// dirStream is a fixed, pre-materialised fs.DirStream over the entries
// internal/ops.Readdir already returned.
type dirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (d *dirStream) HasNext() bool { return d.pos < len(d.entries) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return e, fs.OK
}
func (d *dirStream) Close() {}

// Readdir implements fs.NodeReaddirer.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.h.Readdir(n.fh)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode})
	}
	return &dirStream{entries: out}, fs.OK
}

// Access implements fs.NodeAccesser.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	uid, gid := caller(ctx)
	return errno(n.h.Access(n.fh, ops.Caller{Uid: uid, Gid: gid}, mask))
}

// Statfs implements fs.NodeStatfser.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	rep, err := n.h.Statfs(n.fh)
	if err != nil {
		return errno(err)
	}
	out.Blocks = rep.TotalBlocks
	out.Bfree = rep.FreeBlocks
	out.Bavail = rep.FreeBlocks
	out.Files = rep.Files
	out.Bsize = 4096
	return fs.OK
}

// Getxattr implements fs.NodeGetxattrer.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	v, err := n.h.Getxattr(n.fh, attr)
	if err != nil {
		return 0, errno(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	return uint32(copy(dest, v)), fs.OK
}

// Setxattr implements fs.NodeSetxattrer.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return errno(n.h.Setxattr(n.fh, attr, data, flags))
}

// Removexattr implements fs.NodeRemovexattrer.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return errno(n.h.Removexattr(n.fh, attr))
}

// Listxattr implements fs.NodeListxattrer.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	v, err := n.h.Listxattr(n.fh)
	if err != nil {
		return 0, errno(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	return uint32(copy(dest, v)), fs.OK
}

// caller extracts the requesting uid/gid the fuse package stashes on
// ctx for the duration of a request.
func caller(ctx context.Context) (uid, gid uint32) {
	if c, ok := fuse.FromContext(ctx); ok {
		return c.Uid, c.Gid
	}
	return 0, 0
}

// BaseRoot returns the InodeEmbedder for the base mount point: the read-
// only root layer's root directory.
func BaseRoot(h *ops.Handlers) (fs.InodeEmbedder, error) {
	rootFH, err := h.RootFH("")
	if err != nil {
		return nil, err
	}
	return newNode(h, rootFH), nil
}

// LayerRoot is the InodeEmbedder for the layer mount point: a synthetic
// directory whose entries are every layer's root directory. It holds an
// internal/ioctl.Dispatcher but implements no ioctl callback, so layer
// admin commands are not reachable through this mount; it serves
// Lookup, Readdir and Getattr only.
type LayerRoot struct {
	fs.Inode

	h    *ops.Handlers
	disp *ioctl.Dispatcher
}

var (
	_ fs.InodeEmbedder = (*LayerRoot)(nil)
	_ fs.NodeLookuper  = (*LayerRoot)(nil)
	_ fs.NodeReaddirer = (*LayerRoot)(nil)
	_ fs.NodeGetattrer = (*LayerRoot)(nil)
)

// NewLayerRoot builds the layer mount's root directory over h's
// operation handlers, keeping disp alongside.
func NewLayerRoot(h *ops.Handlers, disp *ioctl.Dispatcher) *LayerRoot {
	return &LayerRoot{h: h, disp: disp}
}

func (r *LayerRoot) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = layerRootMode
	out.Nlink = 2
	return fs.OK
}

const layerRootMode = 0o040755

// Lookup resolves name to the root directory of the layer by that name.
func (r *LayerRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if _, ok := r.h.Manager.Get(name); !ok {
		return nil, syscall.ENOENT
	}
	fh, err := r.h.RootFH(name)
	if err != nil {
		return nil, errno(err)
	}
	a, err := r.h.Getattr(fh)
	if err != nil {
		return nil, errno(err)
	}
	setAttrOut(a, &out.Attr)
	return r.NewInode(ctx, newNode(r.h, fh), toStable(a)), fs.OK
}

// Readdir lists every layer currently in the tree by name.
func (r *LayerRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	layers := r.h.Manager.Layers()
	out := make([]fuse.DirEntry, 0, len(layers))
	for _, l := range layers {
		if l.Name == "" {
			continue
		}
		out = append(out, fuse.DirEntry{Name: l.Name, Ino: uint64(l.Index), Mode: layerRootMode})
	}
	return &dirStream{entries: out}, fs.OK
}

// Mount starts a real kernel FUSE mount at mountpoint over root. debug
// enables go-fuse's own per-request trace logging (cmd/lcfsd's -d flag).
func Mount(mountpoint string, root fs.InodeEmbedder, debug bool) (*fuse.Server, error) {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      debug,
			AllowOther: false,
		},
	}
	return fs.Mount(mountpoint, root, opts)
}
