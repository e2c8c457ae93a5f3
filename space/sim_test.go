package space

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ZenLiuCN/fn"
)

func smallLayout() Layout {
	return Layout{CodeBase: 0x100000, CodeSize: 0x10 * PageSize, HeapBase: 0x200000, HeapSize: 0x10 * PageSize}
}

func TestSimAllocZeroed(t *testing.T) {
	s := fn.Panic1(NewSimLayout(smallLayout()))
	a := fn.Panic1(s.Alloc(10))
	b := make([]byte, PageSize)
	fn.Panic(s.Read(a, b))
	if !bytes.Equal(b, make([]byte, PageSize)) {
		t.Fatal("fresh storage is not zeroed")
	}
	fn.Panic(s.Write(a, []byte{1, 2, 3}))
	fn.Panic(s.Free(a))
	a2 := fn.Panic1(s.Alloc(PageSize))
	fn.Panic(s.Read(a2, b[:3]))
	if !bytes.Equal(b[:3], []byte{0, 0, 0}) {
		t.Errorf("reused storage is not zeroed: %v", b[:3])
	}
}

func TestSimMirrorAliases(t *testing.T) {
	s := fn.Panic1(NewSimLayout(smallLayout()))
	src := fn.Panic1(s.Alloc(2 * PageSize))
	dst := uint32(0x104000)
	fn.Panic(s.Mirror(dst, src, 2*PageSize))
	fn.Panic(WriteWord(s, src+PageSize+4, 0xdeadbeef))
	if v := fn.Panic1(ReadWord(s, dst+PageSize+4)); v != 0xdeadbeef {
		t.Errorf("mirror read: got 0x%x", v)
	}
	fn.Panic(WriteWord(s, dst, 7))
	if v := fn.Panic1(ReadWord(s, src)); v != 7 {
		t.Errorf("storage read: got 0x%x", v)
	}
	if err := s.Mirror(dst+PageSize, src, PageSize); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping mirror: got %v", err)
	}
	if err := s.Free(src); !errors.Is(err, ErrBusy) {
		t.Errorf("free while mirrored: got %v", err)
	}
	r := fn.Panic1(s.Query(dst + 0x10))
	if r.Base != dst || r.Size != 2*PageSize || r.State != StateUsed {
		t.Errorf("query mirror: got %s", r)
	}
	fn.Panic(s.Unmirror(dst, src, 2*PageSize))
	fn.Panic(s.Free(src))
	if u := s.Usage(); u != (Usage{}) {
		t.Errorf("usage after teardown: %+v", u)
	}
}

func TestSimPermissions(t *testing.T) {
	s := fn.Panic1(NewSimLayout(smallLayout()))
	src := fn.Panic1(s.Alloc(PageSize))
	dst := uint32(0x100000)
	fn.Panic(s.Mirror(dst, src, PageSize))
	if err := s.Call(dst); !errors.Is(err, ErrDenied) {
		t.Errorf("call on rw page: got %v", err)
	}
	fn.Panic(s.Protect(dst, PageSize, PermRX))
	if err := WriteWord(s, dst, 1); !errors.Is(err, ErrDenied) {
		t.Errorf("write on r-x page: got %v", err)
	}
	called := 0
	s.Bind(dst+8, func() error { called++; return nil })
	fn.Panic(s.Call(dst + 8))
	fn.Panic(s.Call(dst + 12))
	if called != 1 {
		t.Errorf("hook ran %d times", called)
	}
	if c := s.Calls(); len(c) != 2 || c[0] != dst+8 || c[1] != dst+12 {
		t.Errorf("call log: %x", c)
	}
	if p, _ := s.Perm(src); p != PermRW {
		t.Errorf("storage perm changed to %s", p)
	}
	if err := s.Read(0x300000, make([]byte, 4)); !errors.Is(err, ErrFault) {
		t.Errorf("read unmapped: got %v", err)
	}
	if _, err := s.Query(0x300000); !errors.Is(err, ErrFault) {
		t.Errorf("query outside regions: got %v", err)
	}
}

func TestSimCrossPageAccess(t *testing.T) {
	s := fn.Panic1(NewSimLayout(smallLayout()))
	a := fn.Panic1(s.Alloc(2 * PageSize))
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	fn.Panic(s.Write(a+PageSize-4, in))
	out := make([]byte, len(in))
	fn.Panic(s.Read(a+PageSize-4, out))
	if !bytes.Equal(in, out) {
		t.Errorf("got %v, expected %v", out, in)
	}
}

func TestLayoutValidate(t *testing.T) {
	for _, l := range []Layout{
		{CodeBase: 0x1000, CodeSize: 0x2000, HeapBase: 0x2000, HeapSize: 0x1000},
		{CodeBase: 0x1001, CodeSize: 0x1000, HeapBase: 0x8000, HeapSize: 0x1000},
		{CodeBase: 0x1000, CodeSize: 0, HeapBase: 0x8000, HeapSize: 0x1000},
	} {
		if _, err := NewSimLayout(l); !errors.Is(err, ErrInvalid) {
			t.Errorf("layout %+v: got %v", l, err)
		}
	}
	if err := DefaultLayout.validate(); err != nil {
		t.Error(err)
	}
}

func TestPermString(t *testing.T) {
	if s := (PermRX).String(); s != "r-x" {
		t.Errorf("got %q", s)
	}
	if s := PermNone.String(); s != "---" {
		t.Errorf("got %q", s)
	}
}
