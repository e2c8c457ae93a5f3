package main

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZenLiuCN/fn"

	"github.com/kynex7510/3ds-dl/object/objtest"
)

func sample(t *testing.T) string {
	dir := t.TempDir()
	lib := &objtest.Object{
		Segments: []objtest.Segment{{Vaddr: 0x1000, Data: make([]byte, 0x20)}},
		Symbols:  []objtest.Symbol{{Name: "helper", Value: 0x1000, Size: 0x10}},
	}
	app := &objtest.Object{
		Segments: []objtest.Segment{
			{Vaddr: 0x1000, Data: make([]byte, 0x20)},
			{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 8)},
		},
		Symbols: []objtest.Symbol{
			{Name: "main", Value: 0x1000, Size: 0x10},
			{Name: "helper", Undefined: true},
			{Name: "puts", Undefined: true},
		},
		Needed: []string{"libhelper.so"},
		Rel:    []objtest.Reloc{{Offset: 0x2000, Type: elf.R_ARM_ABS32, Symbol: "helper"}},
		Rela:   []objtest.Reloc{{Offset: 0x2004, Type: elf.R_ARM_GLOB_DAT, Symbol: "puts", Addend: 4}},
		Entry:  0x1000,
	}
	fn.Panic(os.WriteFile(filepath.Join(dir, "libhelper.so"), lib.Bytes(), 0o644))
	p := filepath.Join(dir, "app.so")
	fn.Panic(os.WriteFile(p, app.Bytes(), 0o644))
	return p
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	a := app()
	var out bytes.Buffer
	a.Writer = &out
	if err := a.Run(append([]string{"inspect"}, args...)); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestCommands(t *testing.T) {
	p := sample(t)
	cases := []struct {
		args []string
		want []string
	}{
		{[]string{"headers", p}, []string{"entry 0x00001000", "LOAD vaddr 0x00001000", "r-x", "rw-", "NEEDED libhelper.so"}},
		{[]string{"symbols", p}, []string{"DEF main", "UND helper", "UND puts"}},
		{[]string{"needed", p}, []string{"app.so: libhelper.so"}},
		{[]string{"relocs", p}, []string{"rel  0x00002000 R_ARM_ABS32", "rela 0x00002004 R_ARM_GLOB_DAT", "4 puts"}},
		{[]string{"hash", "printf", "exit"}, []string{"0x077905a6 printf", "0x0006cf04 exit"}},
		{[]string{"load", "-r", "puts=0x500000", "-s", "main", "-s", "nope", p}, []string{
			"app.so: main = 0x",
			"nope: sym",
			"libhelper.so base 0x",
			"depends on " + filepath.Join(filepath.Dir(p), "libhelper.so"),
		}},
	}
	for _, tc := range cases {
		out := run(t, tc.args...)
		for _, w := range tc.want {
			if !strings.Contains(out, w) {
				t.Errorf("%s: %q missing from\n%s", tc.args[0], w, out)
			}
		}
	}
}

func TestLoadFailures(t *testing.T) {
	p := sample(t)
	for _, args := range [][]string{
		{"load", p},
		{"load", "-r", "puts", p},
		{"symbols"},
	} {
		a := app()
		a.Writer = new(bytes.Buffer)
		if err := a.Run(append([]string{"inspect"}, args...)); err == nil {
			t.Errorf("%v succeeded", args)
		}
	}
}

func TestParseResolve(t *testing.T) {
	s := fn.Panic1(parseResolve([]string{"a=0x10", "b=16", "c=0o20"}))
	for _, n := range []string{"a", "b", "c"} {
		if s[n] != 16 {
			t.Errorf("%s: %d", n, s[n])
		}
	}
	for _, bad := range []string{"=1", "a", "a=zz", "a=0x100000000"} {
		if _, err := parseResolve([]string{bad}); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
