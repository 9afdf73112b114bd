package xattr

import (
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// recordHeaderSize is the fixed portion of one on-disk xattr record: name
// length and value length.
const recordHeaderSize = 2 + 4

type namedValue struct {
	name  string
	value []byte
}

func collect(l *List) []namedValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]namedValue, 0, len(l.attrs))
	for name, v := range l.attrs {
		out = append(out, namedValue{name: name, value: v})
	}
	return out
}

func planBlocks(entries []namedValue) [][]namedValue {
	var blocks [][]namedValue
	var cur []namedValue
	remain := device.BlockSize - sb.ChainHeaderSize
	for _, e := range entries {
		size := recordHeaderSize + len(e.name) + len(e.value)
		if remain < size {
			if cur != nil {
				blocks = append(blocks, cur)
			}
			cur = nil
			remain = device.BlockSize - sb.ChainHeaderSize
		}
		cur = append(cur, e)
		remain -= size
	}
	if cur != nil {
		blocks = append(blocks, cur)
	}
	return blocks
}

// BlocksNeeded returns how many chained blocks are required to flush l.
func BlocksNeeded(l *List) int {
	return len(planBlocks(collect(l)))
}

// Flush serialises l across the caller-provided, already allocated chain
// of device blocks. len(blocks) must equal BlocksNeeded(l).
func Flush(dev *device.Device, blocks []uint64, l *List) error {
	plan := planBlocks(collect(l))
	if len(plan) != len(blocks) {
		return fmt.Errorf("lcfs: flush xattr: need %d blocks, got %d", len(plan), len(blocks))
	}
	for i, group := range plan {
		var blk device.Block
		next := sb.InvalidBlock
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		sb.PutChainHeader(&blk, sb.MagicXattr, next)

		off := sb.ChainHeaderSize
		for _, e := range group {
			binary.LittleEndian.PutUint16(blk[off:off+2], uint16(len(e.name)))
			binary.LittleEndian.PutUint32(blk[off+2:off+6], uint32(len(e.value)))
			off += recordHeaderSize
			copy(blk[off:], e.name)
			off += len(e.name)
			copy(blk[off:], e.value)
			off += len(e.value)
		}
		device.UpdateCRC(&blk)
		if err := dev.WriteBlock(&blk, blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

// Read reverses Flush, walking the chain from headBlock until
// sb.InvalidBlock.
func Read(dev *device.Device, headBlock uint64) (*List, error) {
	l := New()
	block := headBlock
	for block != sb.InvalidBlock {
		blk, err := dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, sb.MagicXattr)
		if err != nil {
			return nil, err
		}
		off := sb.ChainHeaderSize
		for off+recordHeaderSize <= device.BlockSize {
			nlen := int(binary.LittleEndian.Uint16(blk[off : off+2]))
			vlen := int(binary.LittleEndian.Uint32(blk[off+2 : off+6]))
			if nlen == 0 {
				break
			}
			off += recordHeaderSize
			if off+nlen+vlen > device.BlockSize {
				break
			}
			name := string(blk[off : off+nlen])
			off += nlen
			value := make([]byte, vlen)
			copy(value, blk[off:off+vlen])
			off += vlen
			l.attrs[name] = value
		}
		block = next
	}
	l.ClearDirty()
	return l, nil
}
