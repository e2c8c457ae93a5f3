package space

import (
	"fmt"
	"sort"
)

type span struct {
	base, size uint32
}

func (s span) end() uint64 { return uint64(s.base) + uint64(s.size) }

// arena tracks the used runs of one region as a sorted list of spans. It
// carries no lock; owners serialize access.
type arena struct {
	base, size uint32
	spans      []span
}

func newArena(base, size uint32) *arena {
	return &arena{base: base, size: size}
}

func (a *arena) end() uint64 { return uint64(a.base) + uint64(a.size) }

func (a *arena) contains(addr uint32, n uint32) bool {
	return addr >= a.base && uint64(addr)+uint64(n) <= a.end()
}

// index returns the position of the first span ending after addr.
func (a *arena) index(addr uint32) int {
	return sort.Search(len(a.spans), func(i int) bool {
		return a.spans[i].end() > uint64(addr)
	})
}

// reserve claims the first free run of n bytes.
func (a *arena) reserve(n uint32) (uint32, error) {
	if n == 0 || n%PageSize != 0 {
		return 0, fmt.Errorf("%w: size 0x%x", ErrInvalid, n)
	}
	at := uint64(a.base)
	for i, s := range a.spans {
		if uint64(s.base)-at >= uint64(n) {
			a.insert(i, span{uint32(at), n})
			return uint32(at), nil
		}
		at = s.end()
	}
	if a.end()-at < uint64(n) {
		return 0, fmt.Errorf("%w: no free run of 0x%x bytes", ErrNoMemory, n)
	}
	a.insert(len(a.spans), span{uint32(at), n})
	return uint32(at), nil
}

// claim marks [addr, addr+n) used, failing if any of it already is.
func (a *arena) claim(addr, n uint32) error {
	if n == 0 || addr%PageSize != 0 || n%PageSize != 0 || !a.contains(addr, n) {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrInvalid, addr, n)
	}
	i := a.index(addr)
	if i < len(a.spans) && uint64(a.spans[i].base) < uint64(addr)+uint64(n) {
		return fmt.Errorf("%w: [0x%x, +0x%x) overlaps 0x%x", ErrBusy, addr, n, a.spans[i].base)
	}
	a.insert(i, span{addr, n})
	return nil
}

// release frees the span starting at addr and returns it.
func (a *arena) release(addr uint32) (span, error) {
	i := a.index(addr)
	if i >= len(a.spans) || a.spans[i].base != addr {
		return span{}, fmt.Errorf("%w: no allocation at 0x%x", ErrFault, addr)
	}
	s := a.spans[i]
	a.spans = append(a.spans[:i], a.spans[i+1:]...)
	return s, nil
}

// lookup returns the used span containing addr.
func (a *arena) lookup(addr uint32) (span, bool) {
	i := a.index(addr)
	if i < len(a.spans) && a.spans[i].base <= addr {
		return a.spans[i], true
	}
	return span{}, false
}

// query returns the used span containing addr, or the free gap around it.
func (a *arena) query(addr uint32) Region {
	i := a.index(addr)
	if i < len(a.spans) && a.spans[i].base <= addr {
		s := a.spans[i]
		return Region{Base: s.base, Size: s.size, State: StateUsed}
	}
	lo, hi := uint64(a.base), a.end()
	if i > 0 {
		lo = a.spans[i-1].end()
	}
	if i < len(a.spans) {
		hi = uint64(a.spans[i].base)
	}
	return Region{Base: uint32(lo), Size: uint32(hi - lo), State: StateFree}
}

// used returns the number of bytes in use.
func (a *arena) used() (n uint64) {
	for _, s := range a.spans {
		n += uint64(s.size)
	}
	return
}

func (a *arena) insert(i int, s span) {
	a.spans = append(a.spans, span{})
	copy(a.spans[i+1:], a.spans[i:])
	a.spans[i] = s
}
