package emap

import (
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// entrySize is the on-disk size of one emap entry: logical page
// (8 bytes), physical block (8 bytes), run length (4 bytes).
const entrySize = 8 + 8 + 4

// EntriesPerBlock is how many emap entries fit in one chained emap
// block alongside the shared header.
const EntriesPerBlock = (device.BlockSize - sb.ChainHeaderSize) / entrySize

// BlocksNeeded returns how many chained blocks are needed to flush e.
func BlocksNeeded(e *Emap) int {
	if e.ExtentLength > 0 {
		return 0
	}
	n := extent.Len(e.List)
	if n == 0 {
		return 0
	}
	return (n + EntriesPerBlock - 1) / EntriesPerBlock
}

// Flush serialises e's list form across blocks (len(blocks) must equal
// BlocksNeeded(e)). Single-extent emaps need no chain: their mapping
// lives directly in the inode.
func Flush(dev *device.Device, blocks []uint64, e *Emap) error {
	if n := BlocksNeeded(e); n != len(blocks) {
		return fmt.Errorf("lcfs: flush emap: need %d blocks, got %d", n, len(blocks))
	}
	cur := e.List
	for i, blockNum := range blocks {
		var blk device.Block
		next := sb.InvalidBlock
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		sb.PutChainHeader(&blk, sb.MagicEmap, next)

		off := sb.ChainHeaderSize
		for j := 0; j < EntriesPerBlock && cur != nil; j++ {
			binary.LittleEndian.PutUint64(blk[off:off+8], cur.Start)
			binary.LittleEndian.PutUint64(blk[off+8:off+16], cur.Block)
			binary.LittleEndian.PutUint32(blk[off+16:off+20], cur.Count)
			off += entrySize
			cur = cur.Next
		}
		device.UpdateCRC(&blk)
		if err := dev.WriteBlock(&blk, blockNum); err != nil {
			return err
		}
	}
	if cur != nil {
		return fmt.Errorf("lcfs: flush emap: list longer than allocated chain")
	}
	return nil
}

// Read reverses Flush, walking the chain from headBlock until
// sb.InvalidBlock.
func Read(dev *device.Device, headBlock uint64) (*Emap, error) {
	if headBlock == sb.InvalidBlock {
		return &Emap{}, nil
	}
	e := &Emap{}
	block := headBlock
	for block != sb.InvalidBlock {
		blk, err := dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, sb.MagicEmap)
		if err != nil {
			return nil, err
		}
		off := sb.ChainHeaderSize
		for off+entrySize <= device.BlockSize {
			start := binary.LittleEndian.Uint64(blk[off : off+8])
			physBlock := binary.LittleEndian.Uint64(blk[off+8 : off+16])
			count := binary.LittleEndian.Uint32(blk[off+16 : off+20])
			off += entrySize
			if count == 0 {
				continue
			}
			e.List = extent.Add(e.List, start, physBlock, true, count)
		}
		block = next
	}
	return e, nil
}
