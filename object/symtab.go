package object

import (
	"bytes"
	"debug/elf"
)

// Hash is the SysV ELF symbol hash used by DT_HASH tables.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// Symtab is the symbol lookup state of one object: the DT_HASH bucket and
// chain arrays, the dynamic symbols they index and the dynamic strings.
type Symtab struct {
	Buckets []uint32
	Chains  []uint32
	Symbols []elf.Sym32
	Strings []byte
}

// StringAt returns the NUL-terminated string at off in the string table.
func (t *Symtab) StringAt(off uint32) string {
	if int64(off) >= int64(len(t.Strings)) {
		return ""
	}
	s := t.Strings[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// Name returns the name of symbol i.
func (t *Symtab) Name(i uint32) string {
	if int64(i) >= int64(len(t.Symbols)) {
		return ""
	}
	return t.StringAt(t.Symbols[i].Name)
}

// Defined reports whether symbol i has a definition in this object.
func (t *Symtab) Defined(i uint32) bool {
	return i != 0 && int64(i) < int64(len(t.Symbols)) &&
		elf.SectionIndex(t.Symbols[i].Shndx) != elf.SHN_UNDEF
}

// Weak reports whether symbol i has weak binding.
func (t *Symtab) Weak(i uint32) bool {
	return int64(i) < int64(len(t.Symbols)) &&
		elf.ST_BIND(t.Symbols[i].Info) == elf.STB_WEAK
}

// Lookup walks the hash chain for name and returns the index of the first
// defined symbol with exactly that name. Undefined entries, which name
// imports, are skipped. The walk is bounded by the chain length so a
// malformed chain cannot loop.
func (t *Symtab) Lookup(name string) (uint32, bool) {
	if len(t.Buckets) == 0 {
		return 0, false
	}
	i := t.Buckets[Hash(name)%uint32(len(t.Buckets))]
	for steps := 0; i != 0 && steps <= len(t.Chains); steps++ {
		if int64(i) >= int64(len(t.Symbols)) || int64(i) >= int64(len(t.Chains)) {
			break
		}
		if t.Defined(i) && t.matches(t.Symbols[i].Name, name) {
			return i, true
		}
		i = t.Chains[i]
	}
	return 0, false
}

func (t *Symtab) matches(off uint32, name string) bool {
	end := int64(off) + int64(len(name))
	if end >= int64(len(t.Strings)) {
		return false
	}
	return string(t.Strings[off:end]) == name && t.Strings[end] == 0
}

// Covering returns the first defined symbol, in table order, whose
// [value, value+size) range contains off.
func (t *Symtab) Covering(off uint32) (uint32, bool) {
	for i := 1; i < len(t.Symbols); i++ {
		s := &t.Symbols[i]
		if !t.Defined(uint32(i)) || s.Size == 0 {
			continue
		}
		if off >= s.Value && off-s.Value < s.Size {
			return uint32(i), true
		}
	}
	return 0, false
}
