// Package ioctl implements lcfs's control-plane command set: the small
// fixed vocabulary of layer-admin operations a client issues against
// the layer-root directory, encoded as a numeric command
// plus a length-prefixed argument payload of the form "name" or
// "parent\0name". Dispatch is the entry point; no kernel ioctl request
// is decoded anywhere in this module, so Dispatch is reached only by
// direct calls (internal/fuseserver's LayerRoot holds a Dispatcher but
// does not call it).
package ioctl

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lcfs-project/lcfs/internal/diff"
	"github.com/lcfs-project/lcfs/internal/layer"
)

// Cmd identifies one control-plane operation.
type Cmd int

const (
	CreateLayer Cmd = iota
	CreateRWLayer
	RemoveLayer
	MountLayer
	UmountLayer
	StatLayer
	ClearStat
	UmountAll
	CommitLayer
	// DiffLayer is a supplemented command: report the
	// added/modified/removed paths between a layer and its parent.
	DiffLayer
)

// Stat is the reply payload for StatLayer.
type Stat struct {
	Index     int
	Name      string
	Parent    string
	ReadWrite bool
	Frozen    bool
	RootIno   uint64
	LastInode uint64
}

// Arg decodes a command payload of the form "name" or "parent\0name",
// after the transport has already stripped the length prefix.
type Arg struct {
	Parent string
	Name   string
}

// ParseArg splits a raw payload on its first NUL byte. A payload with no
// NUL is a bare name with no explicit parent.
func ParseArg(payload []byte) Arg {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return Arg{Parent: string(payload[:i]), Name: string(payload[i+1:])}
	}
	return Arg{Name: string(payload)}
}

// Dispatcher executes control-plane commands against a layer.Manager.
// MountLayer/UmountLayer/UmountAll go to the Mount and Unmount hooks
// rather than to layer-tree state, and are still routed through Dispatch
// so every command has one documented errno mapping.
type Dispatcher struct {
	Manager *layer.Manager

	// Mount and Unmount back MountLayer/UmountLayer/UmountAll; nil means
	// "unsupported", which Dispatch reports as ENOSYS. cmd/lcfsd sets
	// Mount to a check that the layer exists and Unmount to a no-op; no
	// mount(2) or umount(2) call is made.
	Mount   func(name string) error
	Unmount func(name string) error
}

// Dispatch runs cmd with the decoded argument payload and returns a
// reply (non-nil only for StatLayer and DiffLayer) plus a POSIX errno
// (nil on success).
func (d *Dispatcher) Dispatch(cmd Cmd, payload []byte) (reply interface{}, err error) {
	arg := ParseArg(payload)
	switch cmd {
	case CreateLayer:
		_, err = d.Manager.Create(arg.Name, arg.Parent, false)
		return nil, mapCreateErr(err)
	case CreateRWLayer:
		_, err = d.Manager.Create(arg.Name, arg.Parent, true)
		return nil, mapCreateErr(err)
	case RemoveLayer:
		return nil, mapLookupErr(d.Manager.Delete(arg.Name))
	case MountLayer:
		if d.Mount == nil {
			return nil, unix.ENOSYS
		}
		return nil, d.Mount(arg.Name)
	case UmountLayer:
		if d.Unmount == nil {
			return nil, unix.ENOSYS
		}
		return nil, d.Unmount(arg.Name)
	case UmountAll:
		if d.Unmount == nil {
			return nil, unix.ENOSYS
		}
		for _, l := range d.Manager.Layers() {
			if uerr := d.Unmount(l.Name); uerr != nil {
				return nil, uerr
			}
		}
		return nil, nil
	case StatLayer:
		l, ok := d.Manager.Get(arg.Name)
		if !ok {
			return nil, unix.ENOENT
		}
		l.RLock()
		defer l.RUnlock()
		parentName := ""
		if l.Parent >= 0 {
			if p, ok := d.Manager.ByIndex(l.Parent); ok {
				parentName = p.Name
			}
		}
		return &Stat{
			Index:     l.Index,
			Name:      l.Name,
			Parent:    parentName,
			ReadWrite: l.RW,
			Frozen:    l.Frozen,
			RootIno:   l.RootIno,
			LastInode: l.LastInode,
		}, nil
	case ClearStat:
		l, ok := d.Manager.Get(arg.Name)
		if !ok {
			return nil, unix.ENOENT
		}
		l.Lock()
		l.Pool.Reclaim()
		l.Unlock()
		return nil, nil
	case CommitLayer:
		// Payload is "name\0newImageName": the layer being committed,
		// then the name its frozen image takes.
		_, err = d.Manager.Commit(arg.Parent, arg.Name)
		return nil, mapLookupErr(err)
	case DiffLayer:
		l, ok := d.Manager.Get(arg.Name)
		if !ok {
			return nil, unix.ENOENT
		}
		// A base layer's parent is the tree root, whose directory is the
		// layer-name namespace; diffing against it is meaningless, so a
		// base layer diffs as if it had no parent.
		var parent *layer.Layer
		if l.Parent > 0 {
			parent, _ = d.Manager.ByIndex(l.Parent)
		}
		return diff.Diff(l, parent), nil
	default:
		return nil, unix.EINVAL
	}
}

func mapCreateErr(err error) error {
	switch err {
	case nil:
		return nil
	case layer.ErrExists:
		return unix.EEXIST
	case layer.ErrNotFound:
		return unix.ENOENT
	case layer.ErrNoSpace:
		return unix.ENOSPC
	default:
		return fmt.Errorf("lcfs: %w", err)
	}
}

func mapLookupErr(err error) error {
	switch err {
	case nil:
		return nil
	case layer.ErrNotFound:
		return unix.ENOENT
	case layer.ErrHasChildren:
		return unix.ENOTEMPTY
	case layer.ErrReadOnly:
		return unix.EROFS
	case layer.ErrExists:
		return unix.EEXIST
	default:
		return fmt.Errorf("lcfs: %w", err)
	}
}
