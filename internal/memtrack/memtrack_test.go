package memtrack

import (
	"sync"
	"testing"
)

func TestAllocFreeAccounting(t *testing.T) {
	var l Layer
	l.Alloc(KindInode, 128)
	l.Alloc(KindInode, 128)
	l.Alloc(KindData, 4096)
	if got := l.Bytes(KindInode); got != 256 {
		t.Fatalf("inode bytes = %d, want 256", got)
	}
	if got := l.Count(KindInode); got != 2 {
		t.Fatalf("inode count = %d, want 2", got)
	}
	if got := l.Total(); got != 256+4096 {
		t.Fatalf("total = %d", got)
	}
	l.Free(KindData, 4096)
	if got := l.Bytes(KindData); got != 0 {
		t.Fatalf("data bytes after free = %d, want 0", got)
	}
}

func TestLowMemoryAndMustWaitThresholds(t *testing.T) {
	tr := NewTracker(1000, 0.8, 0.95)
	tr.Global.Alloc(KindData, 700)
	if tr.LowMemory() {
		t.Fatalf("should not be low-memory yet at 700/1000")
	}
	tr.Global.Alloc(KindData, 150)
	if !tr.LowMemory() {
		t.Fatalf("should be low-memory at 850/1000")
	}
	if tr.MustWait() {
		t.Fatalf("should not yet require waiting at 850/1000")
	}
	tr.Global.Alloc(KindData, 150)
	if !tr.MustWait() {
		t.Fatalf("should require waiting at 1000/1000")
	}
}

func TestWaitUnblocksOnRelease(t *testing.T) {
	tr := NewTracker(100, 0.8, 0.9)
	tr.Global.Alloc(KindData, 95)

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		tr.Wait()
		close(done)
	}()

	tr.Global.Free(KindData, 50)
	tr.Release()
	wg.Wait()
	select {
	case <-done:
	default:
		t.Fatalf("Wait did not unblock after Release")
	}
}
