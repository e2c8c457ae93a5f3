package main

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ZenLiuCN/fn"

	dl "github.com/kynex7510/3ds-dl"
	"github.com/kynex7510/3ds-dl/object"
)

// parseFile opens and parses an object from the host file system.
func parseFile(path string) (*object.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	o, err := object.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// Infos is a stringer slice of Info
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}

// Info is the dynamic summary of one object file
type Info struct {
	File   string
	Entry  uint32
	Loads  []elf.Prog32
	Needed []string
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s: entry 0x%08x\n", i.File, i.Entry))
	for _, p := range i.Loads {
		s.WriteString(fmt.Sprintf("\tLOAD vaddr 0x%08x filesz 0x%06x memsz 0x%06x align 0x%x %s\n",
			p.Vaddr, p.Filesz, p.Memsz, p.Align, perm(elf.ProgFlag(p.Flags))))
	}
	for _, n := range i.Needed {
		s.WriteString(fmt.Sprintf("\tNEEDED %s\n", n))
	}
	return s.String()
}

func parseInfo(file string, f *object.File) *Info {
	return &Info{File: file, Entry: f.Header.Entry, Loads: f.Loads(), Needed: f.Needed()}
}

func perm(f elf.ProgFlag) string {
	b := []byte("---")
	if f&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func symbolLines(f *object.File) []string {
	var out []string
	for i := 1; i < len(f.Symbols); i++ {
		s := f.Symbols[i]
		kind := "DEF"
		if !f.Defined(uint32(i)) {
			kind = "UND"
		}
		bind := "GLOBAL"
		if f.Weak(uint32(i)) {
			bind = "WEAK"
		}
		out = append(out, fmt.Sprintf("%4d 0x%08x %6d %-6s %s %s", i, s.Value, s.Size, bind, kind, f.Name(uint32(i))))
	}
	return out
}

func relocLines(f *object.File) []string {
	var out []string
	for _, r := range f.Relocs {
		name := ""
		if r.Sym() != 0 {
			name = f.Name(r.Sym())
		}
		addend := "-"
		if r.Explicit {
			addend = strconv.Itoa(int(r.Addend))
		}
		out = append(out, fmt.Sprintf("%-4s 0x%08x %-18s %s %s", r.Table, r.Offset, r.Type(), addend, name))
	}
	return out
}

// parseResolve reads name=address pairs. Addresses take any Go integer
// literal prefix.
func parseResolve(pairs []string) (dl.Symbols, error) {
	s := make(dl.Symbols, len(pairs))
	for _, p := range pairs {
		name, v, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("resolve %q: expected name=address", p)
		}
		addr, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", p, err)
		}
		s[name] = uint32(addr)
	}
	return s, nil
}
