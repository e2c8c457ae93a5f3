package dl

import "fmt"

// walk visits h and then its dependency graph breadth first, each handle
// once, until visit returns true. Caller holds l.mu.
func (l *Loader) walk(h *Handle, visit func(*Handle) bool) bool {
	seen := map[*Handle]bool{h: true}
	queue := []*Handle{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visit(cur) {
			return true
		}
		for _, d := range cur.deps {
			if seen[d.h] || !d.live() {
				continue
			}
			seen[d.h] = true
			queue = append(queue, d.h)
		}
	}
	return false
}

// lookupExtended searches h and everything reachable from it. It returns
// the owning handle and the symbol index. Caller holds l.mu.
func (l *Loader) lookupExtended(h *Handle, name string) (owner *Handle, index uint32, ok bool) {
	l.walk(h, func(cur *Handle) bool {
		index, ok = cur.syms.Lookup(name)
		owner = cur
		return ok
	})
	if !ok {
		owner = nil
	}
	return
}

// lookupGlobal searches ready handles opened with Global, in slot order.
// Caller holds l.mu.
func (l *Loader) lookupGlobal(name string) (*Handle, uint32, bool) {
	for _, h := range l.slots {
		if h == nil || h.state != stateReady || h.flags&Global == 0 {
			continue
		}
		if i, ok := h.syms.Lookup(name); ok {
			return h, i, true
		}
	}
	return nil, 0, false
}

// Sym returns the address of name, searching h and its dependencies.
func (l *Loader) Sym(h *Handle, name string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid(h) {
		return 0, fail("sym", "", ErrInvalidArgument, fmt.Errorf("invalid handle %p", h))
	}
	owner, i, ok := l.lookupExtended(h, name)
	if !ok {
		return 0, fail("sym", h.path, ErrNotFound, fmt.Errorf("symbol %q", name))
	}
	return owner.base + owner.syms.Symbols[i].Value, nil
}

// AddrInfo describes the object containing an address and the nearest
// symbol covering it.
type AddrInfo struct {
	Handle *Handle
	Path   string
	Base   uint32
	Entry  uint32
	// Symbol and SymbolAddr are empty when no sized symbol covers the address.
	Symbol     string
	SymbolAddr uint32
}

// Addr finds the ready object whose image contains addr.
func (l *Loader) Addr(addr uint32) (AddrInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.slots {
		if h == nil || h.state != stateReady || addr < h.base || uint64(addr) >= uint64(h.base)+uint64(h.size) {
			continue
		}
		info := AddrInfo{Handle: h, Path: h.path, Base: h.base, Entry: h.entry}
		if i, ok := h.syms.Covering(addr - h.base); ok {
			info.Symbol = h.syms.Name(i)
			info.SymbolAddr = h.base + h.syms.Symbols[i].Value
		}
		return info, nil
	}
	return AddrInfo{}, fail("addr", "", ErrNotFound, fmt.Errorf("address 0x%08x", addr))
}

// Exports returns the names of the symbols h defines, in table order.
func (l *Loader) Exports(h *Handle) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid(h) {
		return nil, fail("exports", "", ErrInvalidArgument, fmt.Errorf("invalid handle %p", h))
	}
	var names []string
	for i := range h.syms.Symbols {
		if h.syms.Defined(uint32(i)) {
			names = append(names, h.syms.Name(uint32(i)))
		}
	}
	return names, nil
}
