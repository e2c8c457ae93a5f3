package dl

import (
	"testing"

	"github.com/ZenLiuCN/fn"

	"github.com/kynex7510/3ds-dl/object/objtest"
)

func BenchmarkOpenClose(b *testing.B) {
	f := newFixture(b, map[string]*objtest.Object{"lib/a.so": library("b.so"), "lib/b.so": library()})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := f.mustOpen("lib/a.so", Now, nil)
		fn.Panic(f.Close(h))
	}
}

func BenchmarkSym(b *testing.B) {
	f := newFixture(b, map[string]*objtest.Object{"lib/a.so": library("b.so"), "lib/b.so": library()})
	h := f.mustOpen("lib/a.so", Now, nil)
	defer f.Close(h)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fn.Panic1(f.Sym(h, "bar"))
	}
}
