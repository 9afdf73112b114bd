package inode

import (
	"github.com/lcfs-project/lcfs/internal/dirent"
	"github.com/lcfs-project/lcfs/internal/dpage"
	"github.com/lcfs-project/lcfs/internal/emap"
	"github.com/lcfs-project/lcfs/internal/sb"
)

const (
	modeFmt  = 0o170000
	modeDir  = 0o040000
	modeReg  = 0o100000
	modeLink = 0o120000
)

// Create allocates a fresh, non-shared inode of the given mode, owned
// by this layer from the moment it's created. target is the symlink
// destination when mode is a symlink and is otherwise ignored.
func (s *Store) Create(mode, uid, gid uint32, parent uint64, target string) *Inode {
	ino := s.AllocIno()
	in := &Inode{
		Ino: ino,
		Dinode: DiskInode{
			Ino: ino, Mode: mode, Nlink: 1, Uid: uid, Gid: gid,
			Parent: parent, ExtentBlock: sb.InvalidBlock,
			Emapdir: sb.InvalidBlock, Xattr: sb.InvalidBlock,
		},
	}
	switch mode & modeFmt {
	case modeDir:
		in.Dir = dirent.New()
		in.Dinode.Nlink = 2
	case modeReg:
		in.Emap = &emap.Emap{}
		in.RData = dpage.New()
	case modeLink:
		in.Target = target
		in.Dinode.Size = int64(len(target))
	}
	s.Insert(in)
	return in
}

// CreateAt is Create for the one case where the inode number is fixed
// rather than drawn from the shared counter: a layer's root directory,
// which always carries that layer's designated root inode number.
func (s *Store) CreateAt(ino uint64, mode, uid, gid uint32) *Inode {
	in := &Inode{
		Ino: ino,
		Dinode: DiskInode{
			Ino: ino, Mode: mode, Nlink: 1, Uid: uid, Gid: gid,
			Parent: ino, ExtentBlock: sb.InvalidBlock,
			Emapdir: sb.InvalidBlock, Xattr: sb.InvalidBlock,
		},
	}
	switch mode & modeFmt {
	case modeDir:
		in.Dir = dirent.New()
		in.Dinode.Nlink = 2
	case modeReg:
		in.Emap = &emap.Emap{}
		in.RData = dpage.New()
	}
	s.Insert(in)
	return in
}
