// Package inode implements lcfs's inode store: the packed on-disk inode
// format, the inode-block chain that indexes it, and the per-layer inode
// cache with its cross-layer copy-on-write lookup chain.
package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// DiskSize is the packed on-disk size of one inode.
const DiskSize = 128

// DiskInode is the packed on-disk inode. Parent and Private share a
// single 64-bit word on disk (63 bits of parent, one private bit) and
// are split into two plain fields in core.
type DiskInode struct {
	Ino          uint64
	Mode         uint32
	Nlink        uint32
	Uid          uint32
	Gid          uint32
	Parent       uint64
	Private      uint8
	Rdev         uint32
	Size         int64
	Blocks       uint32
	ExtentLength uint32
	ExtentBlock  uint64
	Mtime        int64
	MtimeNsec    int32
	Ctime        int64
	CtimeNsec    int32
	// Emapdir is the starting block of the inode's emap chain (regular
	// files) or directory chain (directories); sb.InvalidBlock if empty.
	Emapdir uint64
	// Xattr is the starting block of the inode's xattr chain, or
	// sb.InvalidBlock if it has none.
	Xattr uint64
}

var diskWireSize = binary.Size(DiskInode{})

// Encode packs d into a DiskSize-byte buffer.
func (d *DiskInode) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		return nil, fmt.Errorf("lcfs: encode dinode: %w", err)
	}
	if buf.Len() > DiskSize {
		return nil, fmt.Errorf("lcfs: dinode encodes to %d bytes, limit is %d", buf.Len(), DiskSize)
	}
	out := make([]byte, DiskSize)
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeDiskInode unpacks a DiskSize-byte slice into a DiskInode. A
// slot whose first bytes are all zero (Ino == 0) represents an empty slot
// in an inode block and is returned with ok=false.
func DecodeDiskInode(raw []byte) (d DiskInode, ok bool, err error) {
	if len(raw) < diskWireSize {
		return d, false, fmt.Errorf("lcfs: short dinode buffer: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:diskWireSize]), binary.LittleEndian, &d); err != nil {
		return d, false, fmt.Errorf("lcfs: decode dinode: %w", err)
	}
	if d.Ino == 0 {
		return d, false, nil
	}
	return d, true, nil
}

// InodesPerBlock is how many packed dinodes fit in one device block.
// Symlinks are the exception (one per block, target bytes inlined after
// the dinode).
const InodesPerBlock = device.BlockSize / DiskSize

// iblockEntrySize is the on-disk size of one inode-block-chain slot: a
// single block number.
const iblockEntrySize = 8

// EntriesPerIblock is how many inode-block numbers fit in one iblock
// chain page alongside the shared header.
const EntriesPerIblock = (device.BlockSize - sb.ChainHeaderSize) / iblockEntrySize
