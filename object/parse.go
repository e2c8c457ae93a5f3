package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A reader serves bounds-checked little-endian reads from a seekable source.
type reader struct {
	r    io.ReadSeeker
	size int64
}

func (r *reader) bytesAt(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > r.size {
		return nil, fmt.Errorf("%w: range 0x%x+0x%x outside %d byte file", ErrInvalid, off, n, r.size)
	}
	if _, err := r.r.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return b, nil
}

func (r *reader) readAt(off int64, n int64, v any) error {
	b, err := r.bytesAt(off, n)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// Parse reads the header, program headers and dynamic tables of a shared
// object. The source is read, never retained.
func Parse(src io.ReadSeeker) (f *File, err error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	r := &reader{r: src, size: size}
	f = new(File)
	defer func() {
		if err != nil {
			f.Close()
			f = nil
		}
	}()
	if err = f.readHeader(r); err != nil {
		return
	}
	if err = f.readProgs(r); err != nil {
		return
	}
	if err = f.readDynamic(r); err != nil {
		return
	}
	if err = f.readHash(r); err != nil {
		return
	}
	if err = f.readSymbols(r); err != nil {
		return
	}
	if err = f.readStrings(r); err != nil {
		return
	}
	err = f.readRelocs(r)
	return
}

func (f *File) readHeader(r *reader) error {
	if r.size < headerSize {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, r.size, headerSize)
	}
	if err := r.readAt(0, headerSize, &f.Header); err != nil {
		return err
	}
	h := &f.Header
	if !bytes.Equal(h.Ident[:4], []byte(elf.ELFMAG)) {
		return ErrBadMagic
	}
	if c := elf.Class(h.Ident[elf.EI_CLASS]); c != elf.ELFCLASS32 {
		return fmt.Errorf("%w: class %s", ErrNot32Bit, c)
	}
	if d := elf.Data(h.Ident[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return fmt.Errorf("%w: data %s", ErrNotLittleEndian, d)
	}
	if t := elf.Type(h.Type); t != elf.ET_DYN {
		return fmt.Errorf("%w: type %s", ErrNotShared, t)
	}
	if m := elf.Machine(h.Machine); m != Machine {
		return fmt.Errorf("%w: machine %s", ErrWrongMachine, m)
	}
	return nil
}

func (f *File) readProgs(r *reader) error {
	h := &f.Header
	if h.Phnum == 0 {
		return fmt.Errorf("%w: no program headers", ErrInvalid)
	}
	if h.Phentsize != progSize {
		return fmt.Errorf("%w: program header size %d", ErrInvalid, h.Phentsize)
	}
	f.Progs = make([]elf.Prog32, h.Phnum)
	if err := r.readAt(int64(h.Phoff), int64(h.Phnum)*progSize, f.Progs); err != nil {
		return err
	}
	var loads, dyns int
	for i, p := range f.Progs {
		switch elf.ProgType(p.Type) {
		case elf.PT_LOAD:
			if p.Memsz < p.Filesz {
				return fmt.Errorf("%w: segment %d memory size 0x%x below file size 0x%x", ErrInvalid, i, p.Memsz, p.Filesz)
			}
			if int64(p.Off)+int64(p.Filesz) > r.size {
				return fmt.Errorf("%w: segment %d extends past end of file", ErrInvalid, i)
			}
			loads++
		case elf.PT_DYNAMIC:
			dyns++
		}
	}
	if loads == 0 {
		return fmt.Errorf("%w: no loadable segment", ErrInvalid)
	}
	if dyns == 0 {
		return fmt.Errorf("%w: no dynamic segment", ErrInvalid)
	}
	return nil
}

func (f *File) readDynamic(r *reader) error {
	var dyn *elf.Prog32
	for i := range f.Progs {
		if elf.ProgType(f.Progs[i].Type) == elf.PT_DYNAMIC {
			dyn = &f.Progs[i]
			break
		}
	}
	n := int64(dyn.Filesz) / dynSize
	if n == 0 {
		return fmt.Errorf("%w: empty dynamic segment", ErrInvalid)
	}
	all := make([]elf.Dyn32, n)
	if err := r.readAt(int64(dyn.Off), n*dynSize, all); err != nil {
		return err
	}
	for _, d := range all {
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			break
		}
		f.Dynamic = append(f.Dynamic, d)
	}
	return nil
}

// offset translates a virtual address range to a file offset through the
// file-backed part of a PT_LOAD segment.
func (f *File) offset(vaddr, n uint32) (int64, error) {
	for _, p := range f.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && uint64(vaddr)+uint64(n) <= uint64(p.Vaddr)+uint64(p.Filesz) {
			return int64(p.Off) + int64(vaddr-p.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("%w: address 0x%x+0x%x is not file backed", ErrInvalid, vaddr, n)
}

func (f *File) require(tag elf.DynTag) (uint32, error) {
	v, ok := f.DynValue(tag)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalid, tag)
	}
	return v, nil
}

func (f *File) readHash(r *reader) error {
	addr, err := f.require(elf.DT_HASH)
	if err != nil {
		return err
	}
	var counts [2]uint32
	off, err := f.offset(addr, 8)
	if err != nil {
		return err
	}
	if err = r.readAt(off, 8, &counts); err != nil {
		return err
	}
	nbucket, nchain := int64(counts[0]), int64(counts[1])
	if nbucket == 0 || (nbucket+nchain)*4 > r.size {
		return fmt.Errorf("%w: hash table with %d buckets and %d chains", ErrInvalid, nbucket, nchain)
	}
	off, err = f.offset(addr, uint32(8+(nbucket+nchain)*4))
	if err != nil {
		return err
	}
	words := make([]uint32, nbucket+nchain)
	if err = r.readAt(off+8, (nbucket+nchain)*4, words); err != nil {
		return err
	}
	f.Buckets, f.Chains = words[:nbucket:nbucket], words[nbucket:]
	return nil
}

func (f *File) readSymbols(r *reader) error {
	addr, err := f.require(elf.DT_SYMTAB)
	if err != nil {
		return err
	}
	if ent, ok := f.DynValue(elf.DT_SYMENT); ok && ent != symSize {
		return fmt.Errorf("%w: symbol entry size %d", ErrInvalid, ent)
	}
	n := uint32(len(f.Chains))
	if n == 0 {
		return nil
	}
	off, err := f.offset(addr, n*symSize)
	if err != nil {
		return err
	}
	f.Symbols = make([]elf.Sym32, n)
	return r.readAt(off, int64(n)*symSize, f.Symbols)
}

func (f *File) readStrings(r *reader) error {
	addr, err := f.require(elf.DT_STRTAB)
	if err != nil {
		return err
	}
	size, err := f.require(elf.DT_STRSZ)
	if err != nil {
		return err
	}
	off, err := f.offset(addr, size)
	if err != nil {
		return err
	}
	f.Strings, err = r.bytesAt(off, int64(size))
	return err
}

func (f *File) readRelocs(r *reader) error {
	if addr, ok := f.DynValue(elf.DT_REL); ok {
		size, err := f.require(elf.DT_RELSZ)
		if err != nil {
			return err
		}
		if ent, ok := f.DynValue(elf.DT_RELENT); ok && ent != relSize {
			return fmt.Errorf("%w: rel entry size %d", ErrInvalid, ent)
		}
		if err = f.readRelocTable(r, TablePlain, addr, size, false); err != nil {
			return err
		}
	}
	if addr, ok := f.DynValue(elf.DT_RELA); ok {
		size, err := f.require(elf.DT_RELASZ)
		if err != nil {
			return err
		}
		if ent, ok := f.DynValue(elf.DT_RELAENT); ok && ent != relaSize {
			return fmt.Errorf("%w: rela entry size %d", ErrInvalid, ent)
		}
		if err = f.readRelocTable(r, TableAddend, addr, size, true); err != nil {
			return err
		}
	}
	if addr, ok := f.DynValue(elf.DT_JMPREL); ok {
		size, err := f.require(elf.DT_PLTRELSZ)
		if err != nil {
			return err
		}
		kind, err := f.require(elf.DT_PLTREL)
		if err != nil {
			return err
		}
		switch elf.DynTag(kind) {
		case elf.DT_REL:
			err = f.readRelocTable(r, TablePLT, addr, size, false)
		case elf.DT_RELA:
			err = f.readRelocTable(r, TablePLT, addr, size, true)
		default:
			err = fmt.Errorf("%w: PLT relocation kind %d", ErrInvalid, kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *File) readRelocTable(r *reader, t Table, addr, size uint32, addend bool) error {
	ent := uint32(relSize)
	if addend {
		ent = relaSize
	}
	if size%ent != 0 {
		return fmt.Errorf("%w: %s table size %d is not a multiple of %d", ErrInvalid, t, size, ent)
	}
	off, err := f.offset(addr, size)
	if err != nil {
		return err
	}
	n := size / ent
	if addend {
		recs := make([]elf.Rela32, n)
		if err = r.readAt(off, int64(size), recs); err != nil {
			return err
		}
		for _, rec := range recs {
			f.Relocs = append(f.Relocs, Reloc{Table: t, Offset: rec.Off, Info: rec.Info, Addend: rec.Addend, Explicit: true})
		}
		return nil
	}
	recs := make([]elf.Rel32, n)
	if err = r.readAt(off, int64(size), recs); err != nil {
		return err
	}
	for _, rec := range recs {
		f.Relocs = append(f.Relocs, Reloc{Table: t, Offset: rec.Off, Info: rec.Info})
	}
	return nil
}

// IsFormatError reports whether err describes a rejected object rather than
// a failing source.
func IsFormatError(err error) bool {
	return err != nil && !errors.Is(err, ErrRead) && !errors.Is(err, ErrTruncated)
}
