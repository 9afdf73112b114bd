package extent

import "testing"

func list(vals ...[2]uint64) *Extent {
	var head, tail *Extent
	for _, v := range vals {
		e := &Extent{Start: v[0], Count: uint32(v[1])}
		if tail == nil {
			head = e
		} else {
			tail.Next = e
		}
		tail = e
	}
	return head
}

func TestAddMergesAdjacent(t *testing.T) {
	head := Add(nil, 10, 0, false, 5) // [10,15)
	head = Add(head, 15, 0, false, 5) // merges -> [10,20)
	if Len(head) != 1 {
		t.Fatalf("expected 1 extent after merge, got %d", Len(head))
	}
	if head.Start != 10 || head.Count != 10 {
		t.Fatalf("got start=%d count=%d", head.Start, head.Count)
	}
}

func TestAddSplitsNonAdjacent(t *testing.T) {
	head := Add(nil, 10, 0, false, 5)
	head = Add(head, 100, 0, false, 5)
	if Len(head) != 2 {
		t.Fatalf("expected 2 extents, got %d", Len(head))
	}
}

func TestRemoveMiddleSplits(t *testing.T) {
	head := list([2]uint64{0, 20})
	head, freed := Remove(head, 5, 5)
	if freed != 5 {
		t.Fatalf("freed = %d, want 5", freed)
	}
	if Len(head) != 2 {
		t.Fatalf("expected split into 2 extents, got %d", Len(head))
	}
	if head.Start != 0 || head.Count != 5 {
		t.Fatalf("first extent wrong: %+v", head)
	}
	if head.Next.Start != 10 || head.Next.Count != 10 {
		t.Fatalf("second extent wrong: %+v", head.Next)
	}
}

func TestRemoveWholeExtent(t *testing.T) {
	head := list([2]uint64{0, 10}, [2]uint64{20, 10})
	head, freed := Remove(head, 0, 10)
	if freed != 10 || Len(head) != 1 || head.Start != 20 {
		t.Fatalf("unexpected result: freed=%d head=%+v", freed, head)
	}
}

func TestRemovePartialNotPresent(t *testing.T) {
	head := list([2]uint64{0, 10})
	head, freed := Remove(head, 5, 20)
	if freed != 5 {
		t.Fatalf("freed = %d, want 5", freed)
	}
	if Len(head) != 1 || head.Count != 5 {
		t.Fatalf("unexpected remainder: %+v", head)
	}
}

func TestLookupEmapHole(t *testing.T) {
	var head *Extent
	head = Add(head, 0, 1000, true, 4)
	head = Add(head, 10, 2000, true, 4)

	if e := Lookup(head, 2); e == nil || e.Block+2 != 1002 {
		t.Fatalf("lookup(2) wrong: %+v", e)
	}
	if e := Lookup(head, 6); e != nil {
		t.Fatalf("expected hole at 6, got %+v", e)
	}
	if e := Lookup(head, 12); e == nil {
		t.Fatalf("expected mapping at 12")
	}
}

func TestCloneIndependence(t *testing.T) {
	head := list([2]uint64{0, 10})
	c := Clone(head)
	head.Count = 99
	if c.Count != 10 {
		t.Fatalf("clone shares state with original")
	}
}

func TestCarveFirstFit(t *testing.T) {
	head := list([2]uint64{0, 4}, [2]uint64{100, 20})
	start, head, ok := Carve(head, 10)
	if !ok {
		t.Fatalf("expected carve to succeed")
	}
	if start != 100 {
		t.Fatalf("start = %d, want 100 (first extent too small)", start)
	}
	if Len(head) != 2 || head.Next.Start != 110 || head.Next.Count != 10 {
		t.Fatalf("unexpected remainder: %+v / %+v", head, head.Next)
	}
}

func TestCarveExactConsumesExtent(t *testing.T) {
	head := list([2]uint64{0, 10})
	start, head, ok := Carve(head, 10)
	if !ok || start != 0 || head != nil {
		t.Fatalf("expected full consumption, got start=%d head=%+v ok=%v", start, head, ok)
	}
}

func TestCarveNoFit(t *testing.T) {
	head := list([2]uint64{0, 4})
	_, _, ok := Carve(head, 10)
	if ok {
		t.Fatalf("expected carve to fail")
	}
}

func TestTotalCount(t *testing.T) {
	head := list([2]uint64{0, 10}, [2]uint64{20, 5})
	if got := TotalCount(head); got != 15 {
		t.Fatalf("TotalCount = %d, want 15", got)
	}
}
