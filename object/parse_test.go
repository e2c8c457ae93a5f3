package object_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/object/objtest"
)

func sample() *objtest.Object {
	return &objtest.Object{
		Segments: []objtest.Segment{
			{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x40)},
			{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 8), MemSize: 0x100},
		},
		Symbols: []objtest.Symbol{
			{Name: "main", Value: 0x1000, Size: 0x20},
			{Name: "counter", Value: 0x2000, Size: 4, Type: elf.STT_OBJECT},
			{Name: "puts", Undefined: true},
			{Name: "hook", Undefined: true, Weak: true},
		},
		Needed: []string{"libc.so", "libm.so"},
		Rel:    []objtest.Reloc{{Offset: 0x2000, Type: elf.R_ARM_ABS32, Symbol: "puts"}},
		Rela:   []objtest.Reloc{{Offset: 0x2004, Type: elf.R_ARM_RELATIVE, Addend: 0x1000}},
		PLT:    []objtest.Reloc{{Offset: 0x2008, Type: elf.R_ARM_JUMP_SLOT, Symbol: "hook"}},
		Init:   []uint32{0x1000, 0x1010},
		Entry:  0x1000,
	}
}

func TestParse(t *testing.T) {
	f := fn.Panic1(object.Parse(sample().Reader()))
	defer f.Close()
	if n := len(f.Loads()); n != 3 {
		t.Errorf("loads: got %d, expected 3", n)
	}
	if f.Header.Entry != 0x1000 {
		t.Errorf("entry: got 0x%x", f.Header.Entry)
	}
	if got := f.Needed(); len(got) != 2 || got[0] != "libc.so" || got[1] != "libm.so" {
		t.Errorf("needed: got %q", got)
	}
	if len(f.Symbols) != 5 || len(f.Chains) != 5 {
		t.Fatalf("symbols: got %d entries, %d chains", len(f.Symbols), len(f.Chains))
	}
	want := []struct {
		table  object.Table
		typ    elf.R_ARM
		sym    string
		addend int32
		expl   bool
	}{
		{object.TablePlain, elf.R_ARM_ABS32, "puts", 0, false},
		{object.TablePlain, elf.R_ARM_RELATIVE, "", 0, false},
		{object.TablePlain, elf.R_ARM_RELATIVE, "", 0, false},
		{object.TableAddend, elf.R_ARM_RELATIVE, "", 0x1000, true},
		{object.TablePLT, elf.R_ARM_JUMP_SLOT, "hook", 0, false},
	}
	if len(f.Relocs) != len(want) {
		t.Fatalf("relocs: got %s", spew.Sdump(f.Relocs))
	}
	for i, w := range want {
		r := f.Relocs[i]
		name := ""
		if r.Sym() != 0 {
			name = f.Name(r.Sym())
		}
		if r.Table != w.table || r.Type() != w.typ || name != w.sym || r.Addend != w.addend || r.Explicit != w.expl {
			t.Errorf("reloc %d: got %s %s %q %d %v", i, r.Table, r.Type(), name, r.Addend, r.Explicit)
		}
	}
	addr, n, ok := f.Array(elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ)
	if !ok || n != 2 || addr == 0 {
		t.Errorf("init array: got 0x%x, %d, %v", addr, n, ok)
	}
	if _, _, ok = f.Array(elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ); ok {
		t.Error("fini array reported without entries")
	}
	if !f.Weak(4) || f.Weak(3) {
		t.Error("weak binding misreported")
	}
}

func TestParsePLTRela(t *testing.T) {
	o := sample()
	o.PLTRela = true
	o.PLT[0].Addend = 4
	f := fn.Panic1(object.Parse(o.Reader()))
	r := f.Relocs[len(f.Relocs)-1]
	if r.Table != object.TablePLT || !r.Explicit || r.Addend != 4 {
		t.Errorf("plt record: %+v", r)
	}
}

func TestParseRejects(t *testing.T) {
	good := sample().Bytes()
	badMagic := bytes.Clone(good)
	badMagic[1] = 'X'
	omit := func(tag elf.DynTag) []byte {
		o := sample()
		o.Omit = map[elf.DynTag]bool{tag: true}
		return o.Bytes()
	}
	header := func(set func(*objtest.Object)) []byte {
		o := sample()
		set(o)
		return o.Bytes()
	}
	for _, c := range []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, object.ErrTruncated},
		{"short", good[:51], object.ErrTruncated},
		{"magic", badMagic, object.ErrBadMagic},
		{"class", header(func(o *objtest.Object) { o.Class = elf.ELFCLASS64 }), object.ErrNot32Bit},
		{"data", header(func(o *objtest.Object) { o.Data = elf.ELFDATA2MSB }), object.ErrNotLittleEndian},
		{"type", header(func(o *objtest.Object) { o.Type = elf.ET_EXEC }), object.ErrNotShared},
		{"machine", header(func(o *objtest.Object) { o.Machine = elf.EM_386 }), object.ErrWrongMachine},
		{"hash", omit(elf.DT_HASH), object.ErrInvalid},
		{"symtab", omit(elf.DT_SYMTAB), object.ErrInvalid},
		{"strtab", omit(elf.DT_STRTAB), object.ErrInvalid},
		{"strsz", omit(elf.DT_STRSZ), object.ErrInvalid},
		{"pltrel", omit(elf.DT_PLTREL), object.ErrInvalid},
		{"phdrs cut", good[:60], object.ErrInvalid},
	} {
		t.Run(c.name, func(t *testing.T) {
			f, err := object.Parse(bytes.NewReader(c.data))
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, expected %v", err, c.want)
			}
			if f != nil {
				t.Error("file returned with error")
			}
		})
	}
}

func TestIsFormatError(t *testing.T) {
	if object.IsFormatError(nil) || object.IsFormatError(object.ErrTruncated) {
		t.Error("source errors reported as format errors")
	}
	if !object.IsFormatError(object.ErrWrongMachine) {
		t.Error("machine mismatch not reported as format error")
	}
}

func TestCloseTolerant(t *testing.T) {
	var f *object.File
	f.Close()
	f = &object.File{Progs: make([]elf.Prog32, 1)}
	f.Close()
	f.Close()
	if f.Progs != nil || f.Buckets != nil {
		t.Error("tables survive Close")
	}
}
