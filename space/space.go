// Package space models the address space a loaded object lives in: a heap
// that hands out zeroed backing storage, and a code region into which that
// storage is mirrored before it is made executable.
//
// Addresses are 32-bit target addresses. Two implementations are provided:
// Sim keeps every page in Go memory and records cache flushes and calls,
// and Host (linux only) backs the heap with a memfd and builds real mirror
// mappings inside a reserved range of the host process.
package space

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	PageSize = 0x1000

	// CodeBase and CodeSize bound the region mirrors are placed in.
	CodeBase = 0x00100000
	CodeSize = 0x03F00000

	// HeapBase and HeapSize bound the region backing storage comes from.
	HeapBase = 0x08000000
	HeapSize = 0x08000000
)

var (
	// ErrNoMemory occurs when a region has no free run large enough.
	ErrNoMemory = errors.New("out of memory")
	// ErrFault occurs when an access touches an unmapped page.
	ErrFault = errors.New("address not mapped")
	// ErrDenied occurs when an access is not allowed by the page permissions.
	ErrDenied = errors.New("access denied")
	// ErrBusy occurs when a fixed mapping overlaps a used run, or storage
	// still has a mirror.
	ErrBusy = errors.New("range in use")
	// ErrInvalid occurs for empty, unaligned or out of region ranges.
	ErrInvalid = errors.New("invalid range")
	// ErrNoCode occurs when a call targets an address with nothing bound to it.
	ErrNoCode = errors.New("no code bound at address")
)

// Perm is a set of page permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
)

func (p Perm) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit Perm
		ch  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// State tells whether a run of pages is in use.
type State uint8

const (
	StateFree State = iota
	StateUsed
)

func (s State) String() string {
	if s == StateUsed {
		return "used"
	}
	return "free"
}

// A Region is a maximal run of pages sharing one state, as returned by Query.
type Region struct {
	Base  uint32
	Size  uint32
	State State
	Perm  Perm
}

// End returns the first address past the region.
func (r Region) End() uint64 { return uint64(r.Base) + uint64(r.Size) }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08x, 0x%08x) %s %s", r.Base, r.End(), r.State, r.Perm)
}

// Layout places the code and heap regions. Both must be page aligned and
// must not overlap.
type Layout struct {
	CodeBase, CodeSize uint32
	HeapBase, HeapSize uint32
}

// DefaultLayout is the layout of the target this loader was written for.
var DefaultLayout = Layout{CodeBase: CodeBase, CodeSize: CodeSize, HeapBase: HeapBase, HeapSize: HeapSize}

func (l Layout) validate() error {
	if l.CodeSize == 0 || l.HeapSize == 0 {
		return fmt.Errorf("%w: empty region", ErrInvalid)
	}
	for _, v := range []uint32{l.CodeBase, l.CodeSize, l.HeapBase, l.HeapSize} {
		if v%PageSize != 0 {
			return fmt.Errorf("%w: 0x%x is not page aligned", ErrInvalid, v)
		}
	}
	code := Region{Base: l.CodeBase, Size: l.CodeSize}
	heap := Region{Base: l.HeapBase, Size: l.HeapSize}
	if code.End() > 1<<32 || heap.End() > 1<<32 {
		return fmt.Errorf("%w: region exceeds 32-bit space", ErrInvalid)
	}
	if uint64(code.Base) < heap.End() && uint64(heap.Base) < code.End() {
		return fmt.Errorf("%w: code %s overlaps heap %s", ErrInvalid, code, heap)
	}
	return nil
}

// Space is the address-space service a loader maps objects through.
// Implementations are safe for concurrent use.
type Space interface {
	// Alloc returns zeroed, page aligned, read-write backing storage of at
	// least size bytes.
	Alloc(size uint32) (uint32, error)
	// Free releases storage returned by Alloc.
	Free(addr uint32) error
	// Query returns the run of pages containing addr.
	Query(addr uint32) (Region, error)
	// CodeRegion returns the bounds mirrors must be placed within.
	CodeRegion() (base, size uint32)
	// Mirror maps size bytes of storage at src a second time at dst, which
	// must be a free run of the code region. The mirror starts read-write.
	Mirror(dst, src, size uint32) error
	// Unmirror removes a mapping made by Mirror.
	Unmirror(dst, src, size uint32) error
	// Protect sets the permissions of every page overlapping the range.
	Protect(addr, size uint32, perm Perm) error
	// FlushCache makes writes to the range visible to instruction fetch.
	FlushCache(addr, size uint32) error
	Read(addr uint32, b []byte) error
	Write(addr uint32, b []byte) error
	// Call runs the function at addr with no arguments.
	Call(addr uint32) error
}

// Align rounds v up to a multiple of a, which must be a power of two.
func Align(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

// AlignDown rounds v down to a multiple of a, which must be a power of two.
func AlignDown(v, a uint32) uint32 { return v &^ (a - 1) }

// ReadWord reads a little-endian word.
func ReadWord(s Space, addr uint32) (uint32, error) {
	var b [4]byte
	if err := s.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteWord writes a little-endian word.
func WriteWord(s Space, addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.Write(addr, b[:])
}
