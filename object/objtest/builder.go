// Package objtest synthesizes small ARM shared objects for tests.
//
// The produced image keeps file offsets equal to virtual addresses. A
// read-only metadata segment at address 0 holds the ELF header, program
// headers and every dynamic table; user segments follow on page boundaries.
package objtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing/fstest"

	"github.com/kynex7510/3ds-dl/object"
)

const PageSize = 0x1000

// A Segment is one PT_LOAD of the object. A zero Vaddr places the segment on
// the first page after the previous one.
type Segment struct {
	Vaddr   uint32
	Flags   elf.ProgFlag
	Data    []byte
	MemSize uint32
	Align   uint32
}

// A Symbol is a dynamic symbol. Undefined symbols name imports.
type Symbol struct {
	Name      string
	Value     uint32
	Size      uint32
	Undefined bool
	Weak      bool
	Type      elf.SymType
}

// A Reloc is a relocation record referencing its symbol by name. An empty
// name means symbol index 0.
type Reloc struct {
	Offset uint32
	Type   elf.R_ARM
	Symbol string
	Addend int32
}

// Object describes the image Bytes builds. Zero header fields take the
// values of a valid ARM shared object.
type Object struct {
	Segments []Segment
	Symbols  []Symbol
	Needed   []string
	Rel      []Reloc
	Rela     []Reloc
	PLT      []Reloc
	PLTRela  bool
	// Init and Fini hold function addresses. Each slot gets a RELATIVE
	// relocation so the loaded array holds absolute addresses.
	Init, Fini []uint32
	Entry      uint32
	NBucket    uint32

	Class   elf.Class
	Data    elf.Data
	Type    elf.Type
	Machine elf.Machine
	// Omit drops dynamic entries with these tags.
	Omit map[elf.DynTag]bool
}

type dyn struct {
	tag elf.DynTag
	val uint32
}

type writer struct {
	bytes.Buffer
}

func (w *writer) put(v any) {
	if err := binary.Write(&w.Buffer, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func (w *writer) align(a int) {
	for w.Len()%a != 0 {
		w.WriteByte(0)
	}
}

// Bytes lays out and encodes the object.
func (o *Object) Bytes() []byte {
	o.check()
	nprog := 2 + len(o.Segments)
	strs, nameOff, neededOff := o.strings()
	syms := o.symbols(nameOff)
	hash := o.hash()

	var w writer
	w.Write(make([]byte, 52+32*nprog))
	w.align(4)
	hashAt := uint32(w.Len())
	w.put(hash)
	symAt := uint32(w.Len())
	w.put(syms)
	strAt := uint32(w.Len())
	w.Write(strs)
	w.align(4)

	rel := append([]Reloc(nil), o.Rel...)
	// Arrays sit in the metadata segment; their RELATIVE fixups must be known
	// before the metadata size is, so reserve their tables first.
	nrel := len(rel) + len(o.Init) + len(o.Fini)
	relAt := uint32(w.Len())
	relaAt := relAt + uint32(8*nrel)
	pltAt := relaAt + uint32(12*len(o.Rela))
	pltEnt := 8
	if o.PLTRela {
		pltEnt = 12
	}
	initAt := pltAt + uint32(pltEnt*len(o.PLT))
	finiAt := initAt + uint32(4*len(o.Init))
	for i := range o.Init {
		rel = append(rel, Reloc{Offset: initAt + uint32(4*i), Type: elf.R_ARM_RELATIVE})
	}
	for i := range o.Fini {
		rel = append(rel, Reloc{Offset: finiAt + uint32(4*i), Type: elf.R_ARM_RELATIVE})
	}
	for _, r := range rel {
		w.put(elf.Rel32{Off: r.Offset, Info: o.info(r)})
	}
	for _, r := range o.Rela {
		w.put(elf.Rela32{Off: r.Offset, Info: o.info(r), Addend: r.Addend})
	}
	for _, r := range o.PLT {
		if o.PLTRela {
			w.put(elf.Rela32{Off: r.Offset, Info: o.info(r), Addend: r.Addend})
		} else {
			w.put(elf.Rel32{Off: r.Offset, Info: o.info(r)})
		}
	}
	if len(o.Init) > 0 {
		w.put(o.Init)
	}
	if len(o.Fini) > 0 {
		w.put(o.Fini)
	}

	var dyns []dyn
	for _, off := range neededOff {
		dyns = append(dyns, dyn{elf.DT_NEEDED, off})
	}
	dyns = append(dyns,
		dyn{elf.DT_HASH, hashAt},
		dyn{elf.DT_SYMTAB, symAt},
		dyn{elf.DT_SYMENT, 16},
		dyn{elf.DT_STRTAB, strAt},
		dyn{elf.DT_STRSZ, uint32(len(strs))},
	)
	if len(rel) > 0 {
		dyns = append(dyns, dyn{elf.DT_REL, relAt}, dyn{elf.DT_RELSZ, uint32(8 * len(rel))}, dyn{elf.DT_RELENT, 8})
	}
	if len(o.Rela) > 0 {
		dyns = append(dyns, dyn{elf.DT_RELA, relaAt}, dyn{elf.DT_RELASZ, uint32(12 * len(o.Rela))}, dyn{elf.DT_RELAENT, 12})
	}
	if len(o.PLT) > 0 {
		kind := elf.DT_REL
		if o.PLTRela {
			kind = elf.DT_RELA
		}
		dyns = append(dyns, dyn{elf.DT_JMPREL, pltAt}, dyn{elf.DT_PLTRELSZ, uint32(pltEnt * len(o.PLT))}, dyn{elf.DT_PLTREL, uint32(kind)})
	}
	if len(o.Init) > 0 {
		dyns = append(dyns, dyn{elf.DT_INIT_ARRAY, initAt}, dyn{elf.DT_INIT_ARRAYSZ, uint32(4 * len(o.Init))})
	}
	if len(o.Fini) > 0 {
		dyns = append(dyns, dyn{elf.DT_FINI_ARRAY, finiAt}, dyn{elf.DT_FINI_ARRAYSZ, uint32(4 * len(o.Fini))})
	}
	dynAt := uint32(w.Len())
	for _, d := range dyns {
		if o.Omit[d.tag] {
			continue
		}
		w.put(elf.Dyn32{Tag: int32(d.tag), Val: d.val})
	}
	w.put(elf.Dyn32{Tag: int32(elf.DT_NULL)})
	dynSize := uint32(w.Len()) - dynAt
	meta := uint32(w.Len())

	segs := o.layout(meta)
	for _, s := range segs {
		if s.Vaddr < meta {
			panic(fmt.Sprintf("objtest: segment at 0x%x overlaps 0x%x bytes of metadata", s.Vaddr, meta))
		}
	}
	progs := []elf.Prog32{{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R),
		Filesz: meta, Memsz: meta, Align: PageSize,
	}}
	for _, s := range segs {
		progs = append(progs, elf.Prog32{
			Type: uint32(elf.PT_LOAD), Flags: uint32(s.Flags),
			Off: s.Vaddr, Vaddr: s.Vaddr, Paddr: s.Vaddr,
			Filesz: uint32(len(s.Data)), Memsz: s.MemSize, Align: s.Align,
		})
	}
	progs = append(progs, elf.Prog32{
		Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
		Off: dynAt, Vaddr: dynAt, Paddr: dynAt,
		Filesz: dynSize, Memsz: dynSize, Align: 4,
	})

	out := w.Bytes()
	for _, s := range segs {
		if end := int(s.Vaddr) + len(s.Data); end > len(out) {
			out = append(out, make([]byte, end-len(out))...)
		}
		copy(out[s.Vaddr:], s.Data)
	}
	var head writer
	head.put(o.header(uint16(nprog)))
	head.put(progs)
	copy(out, head.Bytes())
	return out
}

// Reader returns the image as a seekable source.
func (o *Object) Reader() *bytes.Reader {
	return bytes.NewReader(o.Bytes())
}

// layout assigns addresses to the user segments, starting after meta bytes.
func (o *Object) layout(meta uint32) []Segment {
	segs := make([]Segment, len(o.Segments))
	next := align(meta, PageSize)
	for i, s := range o.Segments {
		if s.Vaddr == 0 {
			s.Vaddr = next
		}
		if s.MemSize == 0 {
			s.MemSize = uint32(len(s.Data))
		}
		if s.Align == 0 {
			s.Align = PageSize
		}
		if s.Flags == 0 {
			s.Flags = elf.PF_R | elf.PF_X
		}
		segs[i] = s
		next = align(s.Vaddr+s.MemSize, PageSize)
	}
	return segs
}

func (o *Object) header(phnum uint16) elf.Header32 {
	var h elf.Header32
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(or(o.Class, elf.ELFCLASS32))
	h.Ident[elf.EI_DATA] = byte(or(o.Data, elf.ELFDATA2LSB))
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h.Type = uint16(or(o.Type, elf.ET_DYN))
	h.Machine = uint16(or(o.Machine, elf.EM_ARM))
	h.Version = uint32(elf.EV_CURRENT)
	h.Entry = o.Entry
	h.Phoff = 52
	h.Ehsize = 52
	h.Phentsize = 32
	h.Phnum = phnum
	h.Shentsize = 40
	return h
}

func (o *Object) strings() (strs []byte, names, needed []uint32) {
	strs = []byte{0}
	add := func(s string) uint32 {
		off := uint32(len(strs))
		strs = append(append(strs, s...), 0)
		return off
	}
	for _, s := range o.Symbols {
		names = append(names, add(s.Name))
	}
	for _, n := range o.Needed {
		needed = append(needed, add(n))
	}
	return
}

func (o *Object) symbols(names []uint32) []elf.Sym32 {
	syms := make([]elf.Sym32, 1, len(o.Symbols)+1)
	for i, s := range o.Symbols {
		bind := elf.STB_GLOBAL
		if s.Weak {
			bind = elf.STB_WEAK
		}
		typ := s.Type
		if typ == elf.STT_NOTYPE {
			typ = elf.STT_FUNC
		}
		sym := elf.Sym32{
			Name:  names[i],
			Value: s.Value,
			Size:  s.Size,
			Info:  elf.ST_INFO(bind, typ),
			Shndx: 1,
		}
		if s.Undefined {
			sym.Shndx = uint16(elf.SHN_UNDEF)
		}
		syms = append(syms, sym)
	}
	return syms
}

// hash builds a DT_HASH table: nbucket, nchain, buckets, chains.
func (o *Object) hash() []uint32 {
	nchain := uint32(len(o.Symbols) + 1)
	nbucket := o.NBucket
	if nbucket == 0 {
		nbucket = nchain/2 + 1
	}
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)
	for i, s := range o.Symbols {
		idx := uint32(i + 1)
		b := object.Hash(s.Name) % nbucket
		chains[idx] = buckets[b]
		buckets[b] = idx
	}
	return append(append([]uint32{nbucket, nchain}, buckets...), chains...)
}

func (o *Object) info(r Reloc) uint32 {
	var sym uint32
	if r.Symbol != "" {
		sym = o.index(r.Symbol)
	}
	return elf.R_INFO32(sym, uint32(r.Type))
}

func (o *Object) index(name string) uint32 {
	for i, s := range o.Symbols {
		if s.Name == name {
			return uint32(i + 1)
		}
	}
	panic(fmt.Sprintf("objtest: relocation against unknown symbol %q", name))
}

func (o *Object) check() {
	for _, r := range append(append(append([]Reloc(nil), o.Rel...), o.Rela...), o.PLT...) {
		if r.Symbol != "" {
			o.index(r.Symbol)
		}
	}
}

// FS returns an in-memory file system holding the images of objs.
func FS(objs map[string]*Object) fstest.MapFS {
	fsys := make(fstest.MapFS, len(objs))
	for name, o := range objs {
		fsys[name] = &fstest.MapFile{Data: o.Bytes(), Mode: 0o644}
	}
	return fsys
}

func align(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

func or[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
