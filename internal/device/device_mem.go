package device

import (
	"fmt"
	"sync"
)

// memBackend is an in-memory stand-in for a block device, used by
// tests throughout lcfs instead of touching a real device.
type memBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewMem creates a Device backed by sizeBytes of zeroed memory. sizeBytes
// should be a multiple of BlockSize.
func NewMem(sizeBytes int64) *Device {
	return &Device{b: &memBackend{data: make([]byte, sizeBytes)}}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("lcfs: mem device: offset %d out of range", off)
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("lcfs: mem device: write at %d len %d out of range", off, len(p))
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memBackend) Sync() error { return nil }
func (m *memBackend) Close() error { return nil }
func (m *memBackend) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}
