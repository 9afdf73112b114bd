// Package sb defines the bit-exact on-disk layout shared by every other
// lcfs package: the global/per-layer superblock, the well-known magic
// numbers and block numbers, and the small chained-block header format
// (magic + CRC + next) used by the extent, emap, inode-index, directory
// and xattr block chains.
package sb

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/lcfs-project/lcfs/internal/device"
)

// Fixed on-disk layout constants.
const (
	BlockSize = device.BlockSize

	SuperBlockNum = 0
	RootInode     = 2
	StartBlock    = SuperBlockNum + 1
	StartInode    = RootInode

	InvalidBlock = uint64(0x0000FFFFFFFFFFFF)
	InvalidInode = ^uint64(0) // all ones; never a valid RootInode-derived number

	MinBlocks      = 10000
	LayerMinBlocks = 10000

	FHLayerShift = 48
	FHInodeMask  = uint64(0x0000FFFFFFFFFFFF)

	MagicSuper  = 0x5F5F5F5F
	MagicInode  = 0x104BAFE8
	MagicExtent = 0xCBA35732
	MagicEmap   = 0x6452FABC
	MagicDir    = 0x7FBD853A
	MagicXattr  = 0xBDEF4389

	LayerRootDir = "lcfs"
	LayerTmpDir  = "tmp"

	VersionCurrent = 2
)

// Superblock flag bits.
const (
	SuperDirty  uint32 = 0x00000001
	SuperRDWR   uint32 = 0x00000002
	SuperICheck uint32 = 0x00000004
	SuperInit   uint32 = 0x00000008
	SuperZombie uint32 = 0x00000010
	SuperFStats uint32 = 0x00000020
)

// File-type counters tracked in the superblock.
const (
	FtypeRegular = iota
	FtypeDirectory
	FtypeSymlink
	FtypeOther
	FtypeMax
)

// Superblock is the fixed-size per-layer (and, for slot 0, per-device)
// record. Field order is the wire order; fields below "FTypes" are
// maintained only for the global filesystem.
type Superblock struct {
	Magic uint32
	Flags uint32

	Root        uint64
	ExtentBlock uint64
	ExtentCount uint64
	InodeBlock  uint64
	NextLayer   uint64
	ChildLayer  uint64
	LastInode   uint64
	Zombie      uint64
	ICount      uint64

	Atime      int64
	Ctime      int64
	CommitTime int64

	CRC   uint32
	Index uint32

	// Global-filesystem-only fields (meaningful only on slot 0).
	Mounts      uint64
	TotalBlocks uint64
	Blocks      uint64
	Inodes      uint64
	NextInode   uint64
	UnmountTime int64
	FTypes      [FtypeMax]uint64
	NCommitted  uint32
	Version     uint32
}

// superPrefix mirrors the fields of Superblock that precede CRC, used
// only to compute the CRC field's serialized byte offset (binary.Write
// lays fields out sequentially with no padding, unlike the in-memory
// struct, so this cannot be had via unsafe.Offsetof on Superblock itself).
type superPrefix struct {
	Magic uint32
	Flags uint32

	Root        uint64
	ExtentBlock uint64
	ExtentCount uint64
	InodeBlock  uint64
	NextLayer   uint64
	ChildLayer  uint64
	LastInode   uint64
	Zombie      uint64
	ICount      uint64

	Atime      int64
	Ctime      int64
	CommitTime int64
}

// crcOffset is the byte offset of Superblock.CRC once encoded.
var crcOffset = binary.Size(superPrefix{})

// wireSize is the number of bytes Encode actually writes before padding
// out to BlockSize.
var wireSize = binary.Size(Superblock{})

// Encode serialises sb into a full device block, CRC'd.
func (s *Superblock) Encode() (*device.Block, error) {
	s.Magic = MagicSuper
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
		return nil, xerrors.Errorf("lcfs: encode superblock: %w", err)
	}
	var blk device.Block
	if buf.Len() > len(blk) {
		return nil, xerrors.Errorf("lcfs: superblock encodes to %d bytes, block is %d", buf.Len(), len(blk))
	}
	copy(blk[:], buf.Bytes())
	device.UpdateCRCAt(&blk, crcOffset)
	// Copy the freshly computed CRC back into the in-memory struct so
	// callers that inspect s.CRC after Encode see the stored value.
	var reread Superblock
	_ = binary.Read(bytes.NewReader(blk[:wireSize]), binary.LittleEndian, &reread)
	s.CRC = reread.CRC
	return &blk, nil
}

// DecodeSuperblock parses and CRC-verifies a superblock block.
func DecodeSuperblock(blk *device.Block) (*Superblock, error) {
	if !device.VerifyCRCAt(blk, crcOffset) {
		return nil, xerrors.Errorf("lcfs: superblock CRC mismatch")
	}
	var s Superblock
	if err := binary.Read(bytes.NewReader(blk[:wireSize]), binary.LittleEndian, &s); err != nil {
		return nil, xerrors.Errorf("lcfs: decode superblock: %w", err)
	}
	if s.Magic != MagicSuper {
		return nil, xerrors.Errorf("lcfs: bad superblock magic %#x", s.Magic)
	}
	return &s, nil
}

// ChainHeaderSize is the size in bytes of the (magic, crc, next) header
// every chained block type (extent/emap/inode-index/dir/xattr blocks)
// starts with.
const ChainHeaderSize = 4 + 4 + 8

// PutChainHeader writes the shared header into the front of blk. Payload
// bytes begin at ChainHeaderSize. The caller must call device.UpdateCRC
// after filling in the payload.
func PutChainHeader(blk *device.Block, magic uint32, next uint64) {
	binary.LittleEndian.PutUint32(blk[0:4], magic)
	// bytes [4:8] are the CRC field, left for device.UpdateCRC.
	binary.LittleEndian.PutUint64(blk[8:16], next)
}

// GetChainHeader reads the shared header and verifies both its magic and
// its CRC.
func GetChainHeader(blk *device.Block, wantMagic uint32) (next uint64, err error) {
	if !device.VerifyCRC(blk) {
		return 0, xerrors.Errorf("lcfs: chain block CRC mismatch")
	}
	magic := binary.LittleEndian.Uint32(blk[0:4])
	if magic != wantMagic {
		return 0, xerrors.Errorf("lcfs: chain block bad magic %#x, want %#x", magic, wantMagic)
	}
	next = binary.LittleEndian.Uint64(blk[8:16])
	return next, nil
}

// FileHandle packs a layer index and an inode number into the 64-bit
// handle lcfs hands back to the FUSE transport.
func FileHandle(layerIndex uint32, ino uint64) uint64 {
	return (uint64(layerIndex) << FHLayerShift) | (ino & FHInodeMask)
}

// SplitFileHandle is the inverse of FileHandle.
func SplitFileHandle(fh uint64) (layerIndex uint32, ino uint64) {
	return uint32(fh >> FHLayerShift), fh & FHInodeMask
}
