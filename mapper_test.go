package dl

import (
	"debug/elf"
	"testing"

	"github.com/kynex7510/3ds-dl/object"
)

func TestImageSize(t *testing.T) {
	load := func(vaddr, filesz, memsz uint32) elf.Prog32 {
		return elf.Prog32{Type: uint32(elf.PT_LOAD), Vaddr: vaddr, Filesz: filesz, Memsz: memsz, Align: 0x1000}
	}
	cases := []struct {
		name  string
		progs []elf.Prog32
		size  uint32
		bad   bool
	}{
		{"text", []elf.Prog32{load(0, 0x20, 0x20)}, 0x1000, false},
		{"highest end wins", []elf.Prog32{load(0x1000, 0x20, 0x20)}, 0x2000, false},
		{"aligned sum wins", []elf.Prog32{load(0, 0x20, 0x20), load(0x20, 0x10, 0x10)}, 0x2000, false},
		{"no segments", nil, 0, true},
		{"empty segment above zero", []elf.Prog32{load(0x1000, 0, 0)}, 0, true},
		{"only empty segments", []elf.Prog32{load(0x1000, 0, 0), load(0x3000, 0, 0)}, 0, true},
		{"memory below file", []elf.Prog32{load(0, 0x20, 0x10)}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			size, err := imageSize(&object.File{Progs: tc.progs})
			if tc.bad {
				if err == nil {
					t.Fatalf("got size 0x%x, expected an error", size)
				}
				return
			}
			if err != nil || size != tc.size {
				t.Fatalf("got 0x%x, %v; expected 0x%x", size, err, tc.size)
			}
		})
	}
}
