package dl

import (
	"maps"
	"slices"

	"github.com/ZenLiuCN/fn"
)

// Symbols is a Resolver backed by a map of names to target addresses. It is
// the usual way to hand host exports to loaded objects.
type Symbols map[string]uint32

// NewSymbols returns a Symbols holding a copy of the process-wide exports.
func NewSymbols() Symbols {
	exportMu.RLock()
	defer exportMu.RUnlock()
	return Symbols(maps.Clone(exports))
}

func (s Symbols) Resolve(name string) (uint32, bool) {
	v, ok := s[name]
	return v, ok
}

// Names returns the resolved names, sorted.
func (s Symbols) Names() []string {
	names := fn.MapKeys(s)
	slices.Sort(names)
	return names
}

// Resolvers tries each resolver in order.
type Resolvers []Resolver

func (rs Resolvers) Resolve(name string) (uint32, bool) {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return 0, false
}

// Call looks name up from h and calls it through the address space.
func (l *Loader) Call(h *Handle, name string) error {
	addr, err := l.Sym(h, name)
	if err != nil {
		return err
	}
	if err = l.space.Call(addr); err != nil {
		return fail("call", h.String(), ErrInvalidArgument, err)
	}
	return nil
}
