//go:build linux
// +build linux

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fdBackend talks to the backing block device (or regular file) through
// raw positioned reads/writes rather than os.File's buffered helpers.
type fdBackend struct {
	f  *os.File
	fd int
}

func openBackend(path string, create bool) (backend, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("lcfs: open %s: %w", path, err)
	}
	return &fdBackend{f: os.NewFile(uintptr(fd), path), fd: fd}, nil
}

func (b *fdBackend) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(b.fd, p, off)
}

func (b *fdBackend) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(b.fd, p, off)
}

func (b *fdBackend) Sync() error {
	return unix.Fdatasync(b.fd)
}

func (b *fdBackend) Close() error {
	return unix.Close(b.fd)
}

func (b *fdBackend) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(b.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Open opens path (a raw block device or a regular file) as an lcfs
// backing store. create allows the target to not exist yet (format mode,
// -c on the command line).
func Open(path string, create bool) (*Device, error) {
	b, err := openBackend(path, create)
	if err != nil {
		return nil, err
	}
	return &Device{b: b}, nil
}

// StatfsFree reports free bytes on the filesystem backing path.
func StatfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("lcfs: statfs %s: %w", path, err)
	}
	return uint64(st.Bfree) * uint64(st.Bsize), nil
}
