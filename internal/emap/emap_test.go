package emap

import "testing"

func TestSingleExtentLookup(t *testing.T) {
	e := NewSingle(100, 10)
	if blk, ok := e.Lookup(3); !ok || blk != 103 {
		t.Fatalf("got (%d,%v), want (103,true)", blk, ok)
	}
	if _, ok := e.Lookup(10); ok {
		t.Fatalf("expected page 10 to be out of range")
	}
}

func TestUpdateDemotesAndOverwrites(t *testing.T) {
	e := NewSingle(100, 10)
	e.Update(20, 500, 5)
	if e.IsSingleExtent() {
		t.Fatalf("expected list form after a non-contiguous update")
	}
	if blk, ok := e.Lookup(22); !ok || blk != 502 {
		t.Fatalf("got (%d,%v), want (502,true)", blk, ok)
	}
	// Original single-extent mapping should still answer for untouched pages.
	if blk, ok := e.Lookup(3); !ok || blk != 103 {
		t.Fatalf("got (%d,%v), want (103,true)", blk, ok)
	}

	// Overwrite part of the original mapping.
	e.Update(2, 900, 2)
	if blk, ok := e.Lookup(2); !ok || blk != 900 {
		t.Fatalf("overwrite not reflected: got (%d,%v)", blk, ok)
	}
	if blk, ok := e.Lookup(0); !ok || blk != 100 {
		t.Fatalf("untouched prefix changed: got (%d,%v)", blk, ok)
	}
}

func TestTrySingleExtentCollapse(t *testing.T) {
	e := &Emap{}
	e.Update(0, 200, 4)
	if e.IsSingleExtent() {
		t.Fatalf("should still be list form before collapse attempt")
	}
	blk, ok := e.TrySingleExtent(4)
	if !ok || blk != 200 {
		t.Fatalf("expected collapse to single extent at 200, got (%d,%v)", blk, ok)
	}
	if !e.IsSingleExtent() {
		t.Fatalf("expected single-extent form after collapse")
	}
}

func TestTrySingleExtentRejectsGapOrHole(t *testing.T) {
	e := &Emap{}
	e.Update(0, 200, 2)
	e.Update(3, 300, 2) // gap at page 2
	if _, ok := e.TrySingleExtent(5); ok {
		t.Fatalf("should not collapse when the range has a hole")
	}
}

func TestTruncateSingleExtent(t *testing.T) {
	e := NewSingle(100, 10)
	freed := e.Truncate(6)
	if e.ExtentLength != 6 {
		t.Fatalf("expected length 6, got %d", e.ExtentLength)
	}
	if freed == nil || freed.Start != 6 || freed.Count != 4 || freed.Block != 106 {
		t.Fatalf("unexpected freed extent: %+v", freed)
	}
}

func TestTailEnumeratesDroppedBlocks(t *testing.T) {
	e := &Emap{}
	e.Update(0, 100, 4)
	e.Update(4, 200, 4)
	tail := e.Tail(2)
	var total uint32
	for ex := tail; ex != nil; ex = ex.Next {
		total += ex.Count
	}
	if total != 6 {
		t.Fatalf("expected 6 pages in tail, got %d", total)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := NewSingle(100, 10)
	e.Update(2, 900, 1)
	c := e.Clone()
	c.Update(2, 1, 1)
	if blk, _ := e.Lookup(2); blk == 1 {
		t.Fatalf("mutating clone must not affect original")
	}
}

func TestTruncateListFormDropsTrailingExtents(t *testing.T) {
	e := &Emap{}
	e.Update(0, 100, 1)
	e.Update(10, 200, 1) // hole in between
	e.Truncate(1)
	if _, ok := e.Lookup(10); ok {
		t.Fatalf("extent past a hole survived truncation")
	}
	if blk, ok := e.Lookup(0); !ok || blk != 100 {
		t.Fatalf("prefix lost: (%d,%v)", blk, ok)
	}
}
