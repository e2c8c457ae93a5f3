package dl

import (
	"errors"
	"slices"
	"testing"

	"github.com/ZenLiuCN/fn"

	"github.com/kynex7510/3ds-dl/object/objtest"
	"github.com/kynex7510/3ds-dl/space"
)

func TestExports(t *testing.T) {
	fn.Panic(Export("svcOutputDebugString", 0x00400000))
	defer Unexport("svcOutputDebugString")
	fn.Panic(Export("svcOutputDebugString", 0x00400000))
	if err := Export("svcOutputDebugString", 0x00400004); !errors.Is(err, ErrAlreadyExported) {
		t.Errorf("conflicting export: %v", err)
	}
	s := NewSymbols()
	if v, ok := s.Resolve("svcOutputDebugString"); !ok || v != 0x00400000 {
		t.Errorf("resolve: 0x%x, %v", v, ok)
	}
	s["extra"] = 1
	if _, ok := NewSymbols()["extra"]; ok {
		t.Error("symbols share storage with the exports")
	}
	if !slices.Contains(s.Names(), "extra") || !slices.IsSorted(s.Names()) {
		t.Errorf("names: %v", s.Names())
	}
}

func TestResolvers(t *testing.T) {
	rs := Resolvers{Symbols{"a": 1}, nil, Symbols{"a": 2, "b": 3}}
	for name, want := range map[string]uint32{"a": 1, "b": 3} {
		if v, ok := rs.Resolve(name); !ok || v != want {
			t.Errorf("%s: got %d, %v", name, v, ok)
		}
	}
	if _, ok := rs.Resolve("c"); ok {
		t.Error("resolved an unknown name")
	}
}

func TestCall(t *testing.T) {
	f := newFixture(t, map[string]*objtest.Object{"a.so": library()})
	h := f.mustOpen("a.so", Now, nil)
	defer f.Close(h)
	called := false
	f.sim.Bind(h.base+0x1010, func() error {
		called = true
		return nil
	})
	fn.Panic(f.Call(h, "bar"))
	if !called {
		t.Error("bar not called")
	}
	if err := f.Call(h, "nope"); CodeOf(err) != ErrNotFound {
		t.Errorf("call of absent symbol: %v", err)
	}
	f.sim.Bind(h.base+0x1000, func() error { return space.ErrFault })
	if err := f.Call(h, "foo"); !errors.Is(err, space.ErrFault) {
		t.Errorf("failing call: %v", err)
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("default loader is not shared")
	}
	if NewSession().Loader() != Default() {
		t.Error("session not bound to the default loader")
	}
	if _, ok := Default().Space().(*space.Sim); !ok {
		t.Errorf("default space: %T", Default().Space())
	}
}
