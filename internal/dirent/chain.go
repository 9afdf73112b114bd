package dirent

import (
	"encoding/binary"
	"fmt"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// recordHeaderSize is the fixed portion of one on-disk ddirent record:
// inode number, file-type mode, and a 2-byte name length.
const recordHeaderSize = 8 + 4 + 2

// minRecordSize is the smallest possible encoded record (a zero-length
// name), used to decide whether another record could still fit in the
// block's remaining space.
const minRecordSize = recordHeaderSize

// planBlocks buckets entries into block-sized groups without splitting
// a record across two blocks.
func planBlocks(entries []namedEntry) [][]namedEntry {
	var blocks [][]namedEntry
	var cur []namedEntry
	remain := device.BlockSize - sb.ChainHeaderSize
	for _, e := range entries {
		size := recordHeaderSize + len(e.name)
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

type namedEntry struct {
	name string
	Entry
}

// BlocksNeeded returns how many chained blocks are required to flush d.
func BlocksNeeded(d *Directory) int {
	return len(planBlocks(collect(d)))
}

func collect(d *Directory) []namedEntry {
	var out []namedEntry
	d.Range(func(name string, e Entry) bool {
		out = append(out, namedEntry{name: name, Entry: e})
		return true
	})
	return out
}

// Flush serialises d across the caller-provided, already allocated
// chain of device blocks. len(blocks) must equal BlocksNeeded(d).
func Flush(dev *device.Device, blocks []uint64, d *Directory) error {
	plan := planBlocks(collect(d))
	if len(plan) != len(blocks) {
		return fmt.Errorf("lcfs: flush dir: need %d blocks, got %d", len(plan), len(blocks))
	}
	for i, group := range plan {
		var blk device.Block
		next := sb.InvalidBlock
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		sb.PutChainHeader(&blk, sb.MagicDir, next)

		off := sb.ChainHeaderSize
		for _, e := range group {
			binary.LittleEndian.PutUint64(blk[off:off+8], e.Ino)
			binary.LittleEndian.PutUint32(blk[off+8:off+12], e.Mode)
			binary.LittleEndian.PutUint16(blk[off+12:off+14], uint16(len(e.name)))
			copy(blk[off+recordHeaderSize:], e.name)
			off += recordHeaderSize + len(e.name)
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
func Read(dev *device.Device, headBlock uint64) (*Directory, error) {
	d := New()
	block := headBlock
	for block != sb.InvalidBlock {
		blk, err := dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, err := sb.GetChainHeader(blk, sb.MagicDir)
		if err != nil {
			return nil, err
		}
		off := sb.ChainHeaderSize
		for off+minRecordSize <= device.BlockSize {
			ino := binary.LittleEndian.Uint64(blk[off : off+8])
			if ino == 0 {
				break
			}
			mode := binary.LittleEndian.Uint32(blk[off+8 : off+12])
			nlen := int(binary.LittleEndian.Uint16(blk[off+12 : off+14]))
			if off+recordHeaderSize+nlen > device.BlockSize {
				break
			}
			name := string(blk[off+recordHeaderSize : off+recordHeaderSize+nlen])
			d.Add(name, ino, mode)
			off += recordHeaderSize + nlen
		}
		block = next
	}
	d.ClearDirty()
	return d, nil
}
