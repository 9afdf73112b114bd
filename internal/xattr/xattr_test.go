package xattr

import "testing"

func TestAddGetRemove(t *testing.T) {
	l := New()
	if err := l.Add("user.foo", []byte("bar"), false); err != nil {
		t.Fatal(err)
	}
	v, ok := l.Get("user.foo")
	if !ok || string(v) != "bar" {
		t.Fatalf("got (%q,%v)", v, ok)
	}
	if !l.Remove("user.foo") {
		t.Fatalf("expected removal to succeed")
	}
	if _, ok := l.Get("user.foo"); ok {
		t.Fatalf("attribute should be gone")
	}
}

func TestAddCreateFailsOnExisting(t *testing.T) {
	l := New()
	l.Add("user.foo", []byte("1"), false)
	if err := l.Add("user.foo", []byte("2"), true); err != ErrExist {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestAddCopiesValue(t *testing.T) {
	l := New()
	buf := []byte("mutable")
	l.Add("user.foo", buf, false)
	buf[0] = 'X'
	v, _ := l.Get("user.foo")
	if v[0] != 'm' {
		t.Fatalf("Add should copy, stored value was mutated by caller")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	l := New()
	l.Add("a", []byte("1"), false)
	c := l.Clone()
	c.Add("b", []byte("2"), false)
	if l.Len() != 1 {
		t.Fatalf("original should be unaffected by clone mutation")
	}
}
