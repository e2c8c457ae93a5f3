//go:build linux

package space

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Host is a Space backed by host memory. The heap is a memfd mapped shared
// into a reserved range of the process, and Mirror maps the same file pages
// a second time inside the code part of that range, so a mirror is a real
// alias of its storage. Host cannot run target code: Call only dispatches
// to functions attached with Bind.
type Host struct {
	mu      sync.Mutex
	layout  Layout
	fd      int
	lo      uint32
	mem     []byte
	heap    *arena
	code    *arena
	perms   map[uint32]Perm
	mirrors map[uint32]uint32
	hooks   map[uint32]func() error
}

// NewHost reserves the range spanning both regions of l and maps the heap.
func NewHost(l Layout) (h *Host, err error) {
	if err = l.validate(); err != nil {
		return
	}
	lo := min(l.CodeBase, l.HeapBase)
	hi := max(uint64(l.CodeBase)+uint64(l.CodeSize), uint64(l.HeapBase)+uint64(l.HeapSize))
	h = &Host{
		layout:  l,
		fd:      -1,
		lo:      lo,
		heap:    newArena(l.HeapBase, l.HeapSize),
		code:    newArena(l.CodeBase, l.CodeSize),
		perms:   make(map[uint32]Perm),
		mirrors: make(map[uint32]uint32),
		hooks:   make(map[uint32]func() error),
	}
	defer func() {
		if err != nil {
			h.Close()
			h = nil
		}
	}()
	if h.fd, err = unix.MemfdCreate("ctrdl-heap", unix.MFD_CLOEXEC); err != nil {
		return h, fmt.Errorf("memfd: %w", err)
	}
	if err = unix.Ftruncate(h.fd, int64(l.HeapSize)); err != nil {
		return h, fmt.Errorf("size heap: %w", err)
	}
	h.mem, err = unix.Mmap(-1, 0, int(hi-uint64(lo)), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return h, fmt.Errorf("reserve: %w", err)
	}
	if err = h.mapFile(l.HeapBase, 0, l.HeapSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return h, fmt.Errorf("map heap: %w", err)
	}
	return h, nil
}

// Close unmaps the reserved range and closes the heap file.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.mem != nil {
		err = unix.Munmap(h.mem)
		h.mem = nil
	}
	if h.fd >= 0 {
		if e := unix.Close(h.fd); err == nil {
			err = e
		}
		h.fd = -1
	}
	return err
}

func (h *Host) ptr(addr uint32) unsafe.Pointer {
	return unsafe.Pointer(&h.mem[addr-h.lo])
}

func (h *Host) mapFile(addr uint32, off int64, n uint32, prot int) error {
	_, err := unix.MmapPtr(h.fd, off, h.ptr(addr), uintptr(n), prot, unix.MAP_SHARED|unix.MAP_FIXED)
	return err
}

func (h *Host) unmapFixed(addr, n uint32) error {
	_, err := unix.MmapPtr(-1, 0, h.ptr(addr), uintptr(n), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED)
	return err
}

func (h *Host) Alloc(size uint32) (uint32, error) {
	n := Align(size, PageSize)
	if n == 0 {
		return 0, fmt.Errorf("%w: size 0x%x", ErrInvalid, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, err := h.heap.reserve(n)
	if err != nil {
		return 0, err
	}
	h.setPerm(addr, n, PermRW)
	return addr, nil
}

func (h *Host) Free(addr uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for dst, src := range h.mirrors {
		if src == addr {
			return fmt.Errorf("%w: 0x%x is mirrored at 0x%x", ErrBusy, addr, dst)
		}
	}
	sp, err := h.heap.release(addr)
	if err != nil {
		return err
	}
	for off := uint32(0); off < sp.size; off += PageSize {
		delete(h.perms, sp.base+off)
	}
	// Punching the pages out of the file keeps the next Alloc zeroed.
	return unix.Fallocate(h.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		int64(sp.base-h.layout.HeapBase), int64(sp.size))
}

func (h *Host) Query(addr uint32) (Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var r Region
	switch {
	case h.heap.contains(addr, 1):
		r = h.heap.query(addr)
	case h.code.contains(addr, 1):
		r = h.code.query(addr)
	default:
		return Region{}, fmt.Errorf("%w: 0x%x is outside every region", ErrFault, addr)
	}
	if r.State == StateUsed {
		r.Perm = h.perms[AlignDown(addr, PageSize)]
	}
	return r, nil
}

func (h *Host) CodeRegion() (uint32, uint32) {
	return h.layout.CodeBase, h.layout.CodeSize
}

func (h *Host) Mirror(dst, src, size uint32) error {
	n := Align(size, PageSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.heap.lookup(src)
	if !ok || uint64(src)+uint64(n) > sp.end() {
		return fmt.Errorf("%w: source [0x%x, +0x%x) is not allocated", ErrFault, src, n)
	}
	if err := h.code.claim(dst, n); err != nil {
		return err
	}
	if err := h.mapFile(dst, int64(src-h.layout.HeapBase), n, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_, _ = h.code.release(dst)
		return fmt.Errorf("mirror 0x%x at 0x%x: %w", src, dst, err)
	}
	h.setPerm(dst, n, PermRW)
	h.mirrors[dst] = src
	return nil
}

func (h *Host) Unmirror(dst, src, size uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if got, ok := h.mirrors[dst]; !ok || got != src {
		return fmt.Errorf("%w: no mirror of 0x%x at 0x%x", ErrFault, src, dst)
	}
	sp, err := h.code.release(dst)
	if err != nil {
		return err
	}
	delete(h.mirrors, dst)
	for off := uint32(0); off < sp.size; off += PageSize {
		delete(h.perms, sp.base+off)
	}
	return h.unmapFixed(dst, sp.size)
}

func (h *Host) Protect(addr, size uint32, perm Perm) error {
	lo := AlignDown(addr, PageSize)
	n := Align(addr+size-lo, PageSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	for off := uint32(0); off < n; off += PageSize {
		if _, ok := h.perms[lo+off]; !ok {
			return fmt.Errorf("%w: page 0x%x", ErrFault, lo+off)
		}
	}
	prot := unix.PROT_NONE
	if perm&PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if perm&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if perm&PermExec != 0 {
		prot |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(h.mem[lo-h.lo:lo-h.lo+n], prot); err != nil {
		return fmt.Errorf("protect [0x%x, +0x%x) %s: %w", lo, n, perm, err)
	}
	h.setPerm(lo, n, perm)
	return nil
}

// FlushCache is a no-op: the host keeps instruction and data caches coherent
// for its own mappings.
func (h *Host) FlushCache(addr, size uint32) error { return nil }

func (h *Host) Read(addr uint32, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(addr, len(b), PermRead); err != nil {
		return err
	}
	copy(b, h.mem[addr-h.lo:])
	return nil
}

func (h *Host) Write(addr uint32, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(addr, len(b), PermWrite); err != nil {
		return err
	}
	copy(h.mem[addr-h.lo:], b)
	return nil
}

func (h *Host) Call(addr uint32) error {
	h.mu.Lock()
	p := h.perms[AlignDown(addr, PageSize)]
	hook := h.hooks[addr]
	h.mu.Unlock()
	if p&PermExec == 0 {
		return fmt.Errorf("%w: call 0x%x on %s page", ErrDenied, addr, p)
	}
	if hook == nil {
		return fmt.Errorf("%w: 0x%x", ErrNoCode, addr)
	}
	return hook()
}

// Bind attaches fn to addr.
func (h *Host) Bind(addr uint32, fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.hooks, addr)
		return
	}
	h.hooks[addr] = fn
}

func (h *Host) setPerm(addr, n uint32, p Perm) {
	for off := uint32(0); off < n; off += PageSize {
		h.perms[addr+off] = p
	}
}

func (h *Host) check(addr uint32, n int, need Perm) error {
	if h.mem == nil {
		return fmt.Errorf("%w: host space closed", ErrFault)
	}
	end := uint64(addr) + uint64(n)
	if addr < h.lo || end > uint64(h.lo)+uint64(len(h.mem)) {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrFault, addr, n)
	}
	for p := uint64(AlignDown(addr, PageSize)); p < end; p += PageSize {
		perm, ok := h.perms[uint32(p)]
		if !ok {
			return fmt.Errorf("%w: 0x%x", ErrFault, p)
		}
		if perm&need != need {
			return fmt.Errorf("%w: %s access at 0x%x on %s page", ErrDenied, need, p, perm)
		}
	}
	return nil
}

var _ Space = (*Host)(nil)
