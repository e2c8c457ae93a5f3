// Package object reads 32-bit little-endian ARM shared objects into the
// tables a dynamic loader needs: program headers, the dynamic table, the
// SysV symbol hash table, dynamic symbols, strings and relocation records.
//
// Only the dynamic view of the file is used. Section headers are never read,
// so stripped objects load the same as unstripped ones.
package object

import (
	"debug/elf"
	"errors"
)

const (
	// Machine is the only accepted e_machine.
	Machine = elf.EM_ARM

	headerSize = 52
	progSize   = 32
	dynSize    = 8
	symSize    = 16
	relSize    = 8
	relaSize   = 12
)

var (
	// ErrTruncated occurs when the source ends before the ELF header does.
	ErrTruncated = errors.New("truncated object")
	// ErrRead occurs when the byte source fails.
	ErrRead = errors.New("read failed")
	// ErrBadMagic occurs when the source does not start with the ELF magic.
	ErrBadMagic = errors.New("not an ELF object")
	// ErrNot32Bit occurs for any class other than ELFCLASS32.
	ErrNot32Bit = errors.New("object is not 32-bit")
	// ErrNotLittleEndian occurs for any data encoding other than ELFDATA2LSB.
	ErrNotLittleEndian = errors.New("object is not little-endian")
	// ErrNotShared occurs for any type other than ET_DYN.
	ErrNotShared = errors.New("object is not position independent")
	// ErrWrongMachine occurs for any machine other than EM_ARM.
	ErrWrongMachine = errors.New("object is not for ARM")
	// ErrInvalid occurs when a table is missing, malformed or out of bounds.
	ErrInvalid = errors.New("invalid object")
)

// Table selects the dynamic relocation table a record came from.
type Table uint8

const (
	TablePlain  Table = iota // DT_REL
	TableAddend              // DT_RELA
	TablePLT                 // DT_JMPREL
)

func (t Table) String() string {
	switch t {
	case TablePlain:
		return "rel"
	case TableAddend:
		return "rela"
	case TablePLT:
		return "plt"
	}
	return "unknown"
}

// A Reloc is one relocation record. Records from all three tables share this
// shape; Explicit tells whether Addend came from the record (RELA layout) or
// is implied by the patched word (REL layout).
type Reloc struct {
	Table    Table
	Offset   uint32
	Info     uint32
	Addend   int32
	Explicit bool
}

// Sym returns the symbol table index of the record.
func (r Reloc) Sym() uint32 { return elf.R_SYM32(r.Info) }

// Type returns the ARM relocation type of the record.
func (r Reloc) Type() elf.R_ARM { return elf.R_ARM(elf.R_TYPE32(r.Info)) }

// A File is the parsed dynamic view of a shared object.
type File struct {
	Symtab
	Header  elf.Header32
	Progs   []elf.Prog32
	Dynamic []elf.Dyn32
	Relocs  []Reloc
}

// Loads returns the PT_LOAD program headers in file order.
func (f *File) Loads() (out []elf.Prog32) {
	for _, p := range f.Progs {
		if elf.ProgType(p.Type) == elf.PT_LOAD {
			out = append(out, p)
		}
	}
	return
}

// DynValue returns the value of the first dynamic entry with the given tag.
func (f *File) DynValue(tag elf.DynTag) (uint32, bool) {
	for _, d := range f.Dynamic {
		if elf.DynTag(d.Tag) == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// DynValues returns the values of every dynamic entry with the given tag.
func (f *File) DynValues(tag elf.DynTag) (out []uint32) {
	for _, d := range f.Dynamic {
		if elf.DynTag(d.Tag) == tag {
			out = append(out, d.Val)
		}
	}
	return
}

// Needed returns the DT_NEEDED names in table order.
func (f *File) Needed() []string {
	offs := f.DynValues(elf.DT_NEEDED)
	names := make([]string, 0, len(offs))
	for _, off := range offs {
		names = append(names, f.StringAt(off))
	}
	return names
}

// Array returns the address and entry count of an init or fini array
// described by the pair of tags, if both are present.
func (f *File) Array(addr, size elf.DynTag) (uint32, uint32, bool) {
	a, ok := f.DynValue(addr)
	if !ok {
		return 0, 0, false
	}
	n, ok := f.DynValue(size)
	if !ok {
		return 0, 0, false
	}
	return a, n / 4, true
}

// Close drops every table owned by the file. It is safe on a partially
// parsed file and on nil.
func (f *File) Close() {
	if f == nil {
		return
	}
	f.Progs = nil
	f.Dynamic = nil
	f.Relocs = nil
	f.Symtab = Symtab{}
}
