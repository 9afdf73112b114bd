// Package xattr implements lcfs's extended attribute lists: the in-core,
// name-indexed attribute set carried by an inode, and its on-disk chained
// block encoding.
package xattr

import "sync"

// List is one inode's extended attribute set.
type List struct {
	mu    sync.RWMutex
	attrs map[string][]byte
	dirty bool
}

// New returns an empty attribute list.
func New() *List {
	return &List{attrs: make(map[string][]byte)}
}

// ErrExist is returned by Add when create is true and name already
// exists.
var ErrExist = listError("xattr already exists")

type listError string

func (e listError) Error() string { return string(e) }

// Add sets name's value, copying value so later caller mutation of the
// slice can't corrupt the stored attribute. When create is true, Add
// fails with ErrExist if name is already set (XATTR_CREATE semantics).
func (l *List) Add(name string, value []byte, create bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if create {
		if _, ok := l.attrs[name]; ok {
			return ErrExist
		}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	l.attrs[name] = cp
	l.dirty = true
	return nil
}

// Get returns name's value.
func (l *List) Get(name string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.attrs[name]
	return v, ok
}

// Remove deletes name, reporting whether it existed.
func (l *List) Remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.attrs[name]; !ok {
		return false
	}
	delete(l.attrs, name)
	l.dirty = true
	return true
}

// Names returns all attribute names, for FUSE listxattr.
func (l *List) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.attrs))
	for name := range l.attrs {
		out = append(out, name)
	}
	return out
}

// Len reports the number of attributes.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.attrs)
}

// Dirty reports whether the list has unflushed changes.
func (l *List) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// ClearDirty marks the list as flushed.
func (l *List) ClearDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = false
}

// Clone deep-copies the list, used when a shared inode inherited from a
// parent layer takes its first xattr write.
func (l *List) Clone() *List {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := New()
	for name, v := range l.attrs {
		cp := make([]byte, len(v))
		copy(cp, v)
		c.attrs[name] = cp
	}
	return c
}
