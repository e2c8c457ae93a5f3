package dl

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"sync/atomic"
	"testing"

	"github.com/ZenLiuCN/fn"

	"github.com/kynex7510/3ds-dl/object/objtest"
	"github.com/kynex7510/3ds-dl/space"
)

var debugging = false

// words encodes v as little-endian segment bytes.
func words(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// text is an executable segment at 0x1000 of n bytes.
func text(n int) objtest.Segment {
	return objtest.Segment{Vaddr: 0x1000, Data: make([]byte, n)}
}

// data is a writable segment at 0x2000.
func data(b []byte, memsz uint32) objtest.Segment {
	return objtest.Segment{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: b, MemSize: memsz}
}

// library defines foo and bar in its text segment.
func library(needed ...string) *objtest.Object {
	return &objtest.Object{
		Segments: []objtest.Segment{text(0x40)},
		Symbols: []objtest.Symbol{
			{Name: "foo", Value: 0x1000, Size: 0x10},
			{Name: "bar", Value: 0x1010, Size: 0x10},
		},
		Needed: needed,
		Entry:  0x1000,
	}
}

type fixture struct {
	*Loader
	sim   *space.Sim
	opens atomic.Int32
}

func newFixture(t testing.TB, objs map[string]*objtest.Object, cfg ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{sim: space.NewSim()}
	fsys := FSOpener(objtest.FS(objs))
	c := Config{
		Space: f.sim,
		Open: OpenerFunc(func(path string) (io.ReadSeekCloser, error) {
			f.opens.Add(1)
			return fsys.Open(path)
		}),
		Debug: debugging,
	}
	for _, opt := range cfg {
		opt(&c)
	}
	f.Loader = NewLoader(c)
	return f
}

func (f *fixture) mustOpen(path string, flags Flag, r Resolver) *Handle {
	return fn.Panic1(f.Open(path, flags, r))
}

// assertEmpty checks that no slot is in use and the space holds nothing.
func (f *fixture) assertEmpty(t testing.TB) {
	t.Helper()
	for i, h := range f.slots {
		if h != nil {
			t.Errorf("slot %d still holds %s (%s)", i, h, h.state)
		}
	}
	if u := f.sim.Usage(); u != (space.Usage{}) {
		t.Errorf("space still in use: %+v", u)
	}
}

func (f *fixture) word(t testing.TB, addr uint32) uint32 {
	t.Helper()
	v, err := space.ReadWord(f.sim, addr)
	if err != nil {
		t.Fatalf("read 0x%08x: %v", addr, err)
	}
	return v
}
