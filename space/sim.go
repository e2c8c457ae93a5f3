package space

import (
	"fmt"
	"slices"
	"sync"
)

var _ Space = (*Sim)(nil)

type frame [PageSize]byte

// Sim is a Space held entirely in Go memory. A mirror shares page frames
// with its backing storage, so writes through either address are visible
// through the other. Sim enforces page permissions on Read, Write and Call,
// and records every cache flush and call for inspection.
type Sim struct {
	mu      sync.Mutex
	layout  Layout
	heap    *arena
	code    *arena
	frames  map[uint32]*frame
	perms   map[uint32]Perm
	mirrors map[uint32]uint32
	flushes []Region
	calls   []uint32
	hooks   map[uint32]func() error
}

// NewSim returns a Sim with DefaultLayout.
func NewSim() *Sim {
	s, _ := NewSimLayout(DefaultLayout)
	return s
}

// NewSimLayout returns a Sim with the given region layout.
func NewSimLayout(l Layout) (*Sim, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	return &Sim{
		layout:  l,
		heap:    newArena(l.HeapBase, l.HeapSize),
		code:    newArena(l.CodeBase, l.CodeSize),
		frames:  make(map[uint32]*frame),
		perms:   make(map[uint32]Perm),
		mirrors: make(map[uint32]uint32),
		hooks:   make(map[uint32]func() error),
	}, nil
}

func (s *Sim) Alloc(size uint32) (uint32, error) {
	n := Align(size, PageSize)
	if n == 0 {
		return 0, fmt.Errorf("%w: size 0x%x", ErrInvalid, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.heap.reserve(n)
	if err != nil {
		return 0, err
	}
	for p := addr; uint64(p) < uint64(addr)+uint64(n); p += PageSize {
		s.frames[p] = new(frame)
		s.perms[p] = PermRW
	}
	return addr, nil
}

func (s *Sim) Free(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.heap.contains(addr, 0) {
		return fmt.Errorf("%w: 0x%x is outside the heap", ErrInvalid, addr)
	}
	for dst, src := range s.mirrors {
		if src == addr {
			return fmt.Errorf("%w: 0x%x is mirrored at 0x%x", ErrBusy, addr, dst)
		}
	}
	sp, err := s.heap.release(addr)
	if err != nil {
		return err
	}
	s.drop(sp.base, sp.size)
	return nil
}

func (s *Sim) Query(addr uint32) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.arenaOf(addr)
	if a == nil {
		return Region{}, fmt.Errorf("%w: 0x%x is outside every region", ErrFault, addr)
	}
	r := a.query(addr)
	if r.State == StateUsed {
		r.Perm = s.perms[AlignDown(addr, PageSize)]
	}
	return r, nil
}

func (s *Sim) CodeRegion() (uint32, uint32) {
	return s.layout.CodeBase, s.layout.CodeSize
}

func (s *Sim) Mirror(dst, src, size uint32) error {
	n := Align(size, PageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.heap.contains(src, n) {
		return fmt.Errorf("%w: source 0x%x is outside the heap", ErrInvalid, src)
	}
	for off := uint32(0); off < n; off += PageSize {
		if s.frames[src+off] == nil {
			return fmt.Errorf("%w: source page 0x%x", ErrFault, src+off)
		}
	}
	if err := s.code.claim(dst, n); err != nil {
		return err
	}
	for off := uint32(0); off < n; off += PageSize {
		s.frames[dst+off] = s.frames[src+off]
		s.perms[dst+off] = PermRW
	}
	s.mirrors[dst] = src
	return nil
}

func (s *Sim) Unmirror(dst, src, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got, ok := s.mirrors[dst]; !ok || got != src {
		return fmt.Errorf("%w: no mirror of 0x%x at 0x%x", ErrFault, src, dst)
	}
	sp, err := s.code.release(dst)
	if err != nil {
		return err
	}
	if sp.size != Align(size, PageSize) {
		s.code.insert(s.code.index(dst), sp)
		return fmt.Errorf("%w: mirror at 0x%x is 0x%x bytes, not 0x%x", ErrInvalid, dst, sp.size, size)
	}
	delete(s.mirrors, dst)
	s.drop(sp.base, sp.size)
	return nil
}

func (s *Sim) Protect(addr, size uint32, perm Perm) error {
	lo, hi := AlignDown(addr, PageSize), uint64(addr)+uint64(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := uint64(lo); p < hi; p += PageSize {
		if s.frames[uint32(p)] == nil {
			return fmt.Errorf("%w: page 0x%x", ErrFault, p)
		}
	}
	for p := uint64(lo); p < hi; p += PageSize {
		s.perms[uint32(p)] = perm
	}
	return nil
}

func (s *Sim) FlushCache(addr, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, Region{Base: addr, Size: size, State: StateUsed})
	return nil
}

func (s *Sim) Read(addr uint32, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access(addr, len(b), PermRead, func(f *frame, off uint32, done int, n int) {
		copy(b[done:done+n], f[off:])
	})
}

func (s *Sim) Write(addr uint32, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access(addr, len(b), PermWrite, func(f *frame, off uint32, done int, n int) {
		copy(f[off:off+uint32(n)], b[done:])
	})
}

// Call records the call and runs the function bound to addr, if any. The
// page must be executable.
func (s *Sim) Call(addr uint32) error {
	s.mu.Lock()
	p, ok := s.perms[AlignDown(addr, PageSize)]
	if !ok || s.frames[AlignDown(addr, PageSize)] == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: call 0x%x", ErrFault, addr)
	}
	if p&PermExec == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: call 0x%x on %s page", ErrDenied, addr, p)
	}
	s.calls = append(s.calls, addr)
	hook := s.hooks[addr]
	s.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

// Bind attaches fn to addr. Calls to addr run fn outside the Sim lock.
func (s *Sim) Bind(addr uint32, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, addr)
		return
	}
	s.hooks[addr] = fn
}

// Calls returns the addresses passed to Call, in order.
func (s *Sim) Calls() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Flushes returns the ranges passed to FlushCache, in order.
func (s *Sim) Flushes() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.flushes)
}

// Perm returns the permissions of the page containing addr.
func (s *Sim) Perm(addr uint32) (Perm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[AlignDown(addr, PageSize)]
	return p, ok
}

// Usage reports the bytes in use in the heap and the code region.
type Usage struct {
	Heap, Code uint64
	Mirrors    int
}

func (s *Sim) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Heap: s.heap.used(), Code: s.code.used(), Mirrors: len(s.mirrors)}
}

func (s *Sim) arenaOf(addr uint32) *arena {
	switch {
	case s.heap.contains(addr, 1):
		return s.heap
	case s.code.contains(addr, 1):
		return s.code
	}
	return nil
}

func (s *Sim) drop(base, size uint32) {
	for off := uint32(0); off < size; off += PageSize {
		delete(s.frames, base+off)
		delete(s.perms, base+off)
	}
}

func (s *Sim) access(addr uint32, n int, need Perm, fn func(f *frame, off uint32, done int, n int)) error {
	if uint64(addr)+uint64(n) > 1<<32 {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrInvalid, addr, n)
	}
	for done := 0; done < n; {
		at := addr + uint32(done)
		page := AlignDown(at, PageSize)
		f := s.frames[page]
		if f == nil {
			return fmt.Errorf("%w: 0x%x", ErrFault, at)
		}
		if p := s.perms[page]; p&need != need {
			return fmt.Errorf("%w: %s access at 0x%x on %s page", ErrDenied, need, at, p)
		}
		off := at - page
		step := min(n-done, int(PageSize-off))
		fn(f, off, done, step)
		done += step
	}
	return nil
}
