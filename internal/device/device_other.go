//go:build !linux
// +build !linux

package device

import (
	"fmt"
	"os"
)

type fileBackend struct {
	f *os.File
}

func openBackend(path string, create bool) (backend, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("lcfs: open %s: %w", path, err)
	}
	return &fileBackend{f: f}, nil
}

func (b *fileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *fileBackend) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *fileBackend) Sync() error                              { return b.f.Sync() }
func (b *fileBackend) Close() error                              { return b.f.Close() }
func (b *fileBackend) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Open opens path (a raw block device or a regular file) as an lcfs
// backing store.
func Open(path string, create bool) (*Device, error) {
	b, err := openBackend(path, create)
	if err != nil {
		return nil, err
	}
	return &Device{b: b}, nil
}

// StatfsFree is unavailable on this platform and always reports 0.
func StatfsFree(path string) (uint64, error) {
	return 0, nil
}
