package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// FlushInodeBlock packs up to InodesPerBlock inodes into one device
// block. Unlike the dirent/xattr/emap chains, an inode block carries no
// next pointer of its own: ordering and lookup come entirely from the
// iblock index that references it.
func FlushInodeBlock(dev *device.Device, blockNum uint64, inodes []DiskInode) error {
	if len(inodes) > InodesPerBlock {
		return fmt.Errorf("lcfs: flush inode block: %d inodes exceeds capacity %d", len(inodes), InodesPerBlock)
	}
	var blk device.Block
	off := 0
	for i := range inodes {
		enc, err := inodes[i].Encode()
		if err != nil {
			return err
		}
		copy(blk[off:off+DiskSize], enc)
		off += DiskSize
	}
	return dev.WriteBlock(&blk, blockNum)
}

// ReadInodeBlock unpacks up to InodesPerBlock inodes from a device
// block, stopping at the first empty slot.
func ReadInodeBlock(dev *device.Device, blockNum uint64) ([]DiskInode, error) {
	blk, err := dev.ReadBlock(blockNum)
	if err != nil {
		return nil, err
	}
	var out []DiskInode
	off := 0
	for i := 0; i < InodesPerBlock; i++ {
		d, ok, err := DecodeDiskInode(blk[off : off+DiskSize])
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, d)
		off += DiskSize
	}
	return out, nil
}

// BlocksNeededForIblock returns how many chained iblock index pages are
// needed to reference blockCount inode blocks.
func BlocksNeededForIblock(blockCount int) int {
	if blockCount == 0 {
		return 0
	}
	return (blockCount + EntriesPerIblock - 1) / EntriesPerIblock
}

// FlushIblock serialises the ordered list of inode-block numbers across
// the caller-provided, already allocated chain of iblock pages. len(
// iblockPages) must equal BlocksNeededForIblock(len(inodeBlocks)).
func FlushIblock(dev *device.Device, iblockPages []uint64, inodeBlocks []uint64) error {
	if n := BlocksNeededForIblock(len(inodeBlocks)); n != len(iblockPages) {
		return fmt.Errorf("lcfs: flush iblock: need %d pages, got %d", n, len(iblockPages))
	}
	idx := 0
	for i, pageBlock := range iblockPages {
		var blk device.Block
		next := sb.InvalidBlock
		if i+1 < len(iblockPages) {
			next = iblockPages[i+1]
		}
		sb.PutChainHeader(&blk, sb.MagicInode, next)

		off := sb.ChainHeaderSize
		for j := 0; j < EntriesPerIblock; j++ {
			v := sb.InvalidBlock
			if idx < len(inodeBlocks) {
				v = inodeBlocks[idx]
				idx++
			}
			binary.LittleEndian.PutUint64(blk[off:off+8], v)
			off += iblockEntrySize
		}
		device.UpdateCRC(&blk)
		if err := dev.WriteBlock(&blk, pageBlock); err != nil {
			return err
		}
	}
	return nil
}

// ReadIblock reverses FlushIblock, walking the chain from headBlock
// until sb.InvalidBlock and returning the ordered inode-block numbers.
func ReadIblock(dev *device.Device, headBlock uint64) ([]uint64, error) {
	var out []uint64
	block := headBlock
	for block != sb.InvalidBlock {
		blk, err := dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, sb.MagicInode)
		if err != nil {
			return nil, err
		}
		off := sb.ChainHeaderSize
		for j := 0; j < EntriesPerIblock; j++ {
			v := binary.LittleEndian.Uint64(blk[off : off+8])
			if v == sb.InvalidBlock {
				break
			}
			out = append(out, v)
			off += iblockEntrySize
		}
		block = next
	}
	return out, nil
}
