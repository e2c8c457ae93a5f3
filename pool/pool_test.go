package pool

import (
	"debug/elf"
	"errors"
	"slices"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"

	dl "github.com/kynex7510/3ds-dl"
	"github.com/kynex7510/3ds-dl/object/objtest"
	"github.com/kynex7510/3ds-dl/space"
)

// base defines run; user imports run and defines main.
func fixtures() map[string]*objtest.Object {
	return map[string]*objtest.Object{
		"base.so": {
			Segments: []objtest.Segment{{Vaddr: 0x1000, Data: make([]byte, 0x20)}},
			Symbols:  []objtest.Symbol{{Name: "run", Value: 0x1000, Size: 0x10}},
		},
		"user.so": {
			Segments: []objtest.Segment{
				{Vaddr: 0x1000, Data: make([]byte, 0x20)},
				{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 4)},
			},
			Symbols: []objtest.Symbol{
				{Name: "main", Value: 0x1000, Size: 0x10},
				{Name: "run", Undefined: true},
			},
			Rel: []objtest.Reloc{{Offset: 0x2000, Type: elf.R_ARM_ABS32, Symbol: "run"}},
		},
	}
}

func newPool(t *testing.T) (*Pool, *space.Sim) {
	sim := space.NewSim()
	l := dl.NewLoader(dl.Config{Space: sim, Open: dl.FSOpener(objtest.FS(fixtures()))})
	return NewPool(l), sim
}

func TestNewPool(t *testing.T) {
	p, sim := newPool(t)
	fn.Panic(p.LoadFile("base", "base.so"))
	fn.Panic(p.LoadFile("", "user.so"))
	run := p.MustRequire("base", "run")
	if p.Symbols["run"] != run {
		t.Errorf("run not registered: %s", spew.Sdump(p.Symbols))
	}
	main := p.MustRequire("", "main")
	if v := fn.Panic1(space.ReadWord(sim, main-0x1000+0x2000)); v != run {
		t.Errorf("user linked run at 0x%x, expected 0x%x", v, run)
	}
	if err := p.LoadFile("base", "base.so"); !errors.Is(err, ErrAlreadyLoad) {
		t.Errorf("duplicate load: %v", err)
	}
	if _, err := p.Require("other", "run"); !errors.Is(err, ErrMissingPackage) {
		t.Errorf("missing module: %v", err)
	}
	if _, err := p.Require("main", "nope"); !errors.Is(err, dl.ErrNotFound) {
		t.Errorf("missing symbol: %v", err)
	}
	fn.Panic(p.Close())
	if len(p.Modules) != 0 || len(p.Loaded) != 0 || slices.Contains(p.Names(), "main") {
		t.Errorf("pool not empty: %v %v", p.Modules, p.Names())
	}
	if u := sim.Usage(); u != (space.Usage{}) {
		t.Errorf("space still in use: %+v", u)
	}
}

func TestUnloadCascades(t *testing.T) {
	p, _ := newPool(t)
	fn.Panic(p.LoadFile("base", "base.so"))
	fn.Panic(p.LoadFile("user", "user.so"))
	fn.Panic(p.Unload("base"))
	if len(p.Modules) != 0 {
		t.Errorf("modules left: %v", p.Modules)
	}
	if _, ok := p.Symbols["run"]; ok {
		t.Error("run still registered")
	}
	if err := p.Unload("base"); !errors.Is(err, ErrNotLoad) {
		t.Errorf("second unload: %v", err)
	}
	// user cannot link without base.
	if err := p.LoadFile("user", "user.so"); dl.CodeOf(err) != dl.ErrRelocFailure {
		t.Errorf("user without base: %v", err)
	}
}

func TestReload(t *testing.T) {
	p, _ := newPool(t)
	fn.Panic(p.LoadFile("base", "base.so"))
	fn.Panic(p.LoadFile("user", "user.so"))
	fn.Panic(p.ReloadFile("base", "base.so"))
	if _, ok := p.Modules["user"]; ok {
		t.Error("user survived a reload of its dependency")
	}
	fn.Panic(p.LoadFile("user", "user.so"))
	if len(p.Loaded) != 2 || p.Loaded[0] != p.Modules["base"] {
		t.Errorf("load order: %v", p.Loaded)
	}
	if err := p.ReloadFile("nope", "base.so"); !errors.Is(err, ErrNotLoad) {
		t.Errorf("reload of unknown module: %v", err)
	}
	fn.Panic(p.Close())
}

func TestLoadBuffer(t *testing.T) {
	p, _ := newPool(t)
	p.Register("run", 0x00300000)
	fn.Panic(p.LoadBuffer("user", fixtures()["user.so"].Bytes()))
	if p.Symbols["run"] != 0x00300000 {
		t.Error("host symbol replaced")
	}
	fn.Panic(p.Close())
}
