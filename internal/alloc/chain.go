package alloc

import (
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/extent"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// entrySize is the on-disk size of one dextent entry: an 8-byte start
// block and a 4-byte count.
const entrySize = 8 + 4

// EntriesPerBlock is how many (start, count) entries fit in one chained
// extent block alongside the shared header.
const EntriesPerBlock = (device.BlockSize - sb.ChainHeaderSize) / entrySize

// BlocksNeeded returns how many chained extent blocks are required to
// flush head.
func BlocksNeeded(head *extent.Extent) int {
	n := extent.Len(head)
	if n == 0 {
		return 0
	}
	return (n + EntriesPerBlock - 1) / EntriesPerBlock
}

// FlushExtents serialises head across the caller-provided, already
// allocated chain of device blocks, linking each block to the next via
// the shared chain header (package sb) and CRC-protecting each one. len(blocks)
// must equal BlocksNeeded(head).
func FlushExtents(dev *device.Device, blocks []uint64, head *extent.Extent) error {
	if n := BlocksNeeded(head); n != len(blocks) {
		return fmt.Errorf("lcfs: flush extents: need %d blocks, got %d", n, len(blocks))
	}
	e := head
	for i, blockNum := range blocks {
		var blk device.Block
		next := sb.InvalidBlock
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		sb.PutChainHeader(&blk, sb.MagicExtent, next)

		off := sb.ChainHeaderSize
		for j := 0; j < EntriesPerBlock && e != nil; j++ {
			binary.LittleEndian.PutUint64(blk[off:off+8], e.Start)
			binary.LittleEndian.PutUint32(blk[off+8:off+12], e.Count)
			off += entrySize
			e = e.Next
		}
		device.UpdateCRC(&blk)
		if err := dev.WriteBlock(&blk, blockNum); err != nil {
			return err
		}
	}
	if e != nil {
		return fmt.Errorf("lcfs: flush extents: list longer than allocated chain")
	}
	return nil
}

// ReadExtents reverses FlushExtents, walking the chain from headBlock
// until it hits sb.InvalidBlock.
func ReadExtents(dev *device.Device, headBlock uint64) (*extent.Extent, error) {
	if headBlock == sb.InvalidBlock {
		return nil, nil
	}
	var head, tail *extent.Extent
	block := headBlock
	for block != sb.InvalidBlock {
		blk, err := dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, sb.MagicExtent)
		if err != nil {
			return nil, err
		}
		off := sb.ChainHeaderSize
		for off+entrySize <= device.BlockSize {
			start := binary.LittleEndian.Uint64(blk[off : off+8])
			count := binary.LittleEndian.Uint32(blk[off+8 : off+12])
			off += entrySize
			if count == 0 {
				continue
			}
			e := &extent.Extent{Start: start, Count: count}
			if tail == nil {
				head = e
			} else {
				tail.Next = e
			}
			tail = e
		}
		block = next
	}
	return head, nil
}
