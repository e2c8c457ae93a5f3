//go:build linux

package space

import (
	"errors"
	"testing"

	"github.com/ZenLiuCN/fn"
)

func TestHostMirror(t *testing.T) {
	h, err := NewHost(smallLayout())
	if err != nil {
		t.Skipf("host space unavailable: %v", err)
	}
	defer fn.IgnoreClose(h)
	src := fn.Panic1(h.Alloc(PageSize))
	dst := uint32(0x102000)
	fn.Panic(h.Mirror(dst, src, PageSize))
	fn.Panic(WriteWord(h, src+0x20, 0x1234))
	if v := fn.Panic1(ReadWord(h, dst+0x20)); v != 0x1234 {
		t.Errorf("mirror read: got 0x%x", v)
	}
	fn.Panic(h.Protect(dst, PageSize, PermRead))
	if err := WriteWord(h, dst, 1); !errors.Is(err, ErrDenied) {
		t.Errorf("write on r-- page: got %v", err)
	}
	if err := h.Call(dst); !errors.Is(err, ErrDenied) {
		t.Errorf("call on r-- page: got %v", err)
	}
	fn.Panic(h.Unmirror(dst, src, PageSize))
	fn.Panic(h.Free(src))
	again := fn.Panic1(h.Alloc(PageSize))
	if v := fn.Panic1(ReadWord(h, again+0x20)); v != 0 {
		t.Errorf("reused storage not zeroed: 0x%x", v)
	}
}
