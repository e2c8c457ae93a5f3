package dl

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/space"
)

var (
	errUnresolved  = errors.New("unresolved symbol")
	errUnsupported = errors.New("unsupported relocation type")
	errOutOfImage  = errors.New("relocation target outside the image")
)

// A Resolver supplies addresses for symbols before the loader searches
// loaded objects.
type Resolver interface {
	Resolve(name string) (uint32, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (uint32, bool)

func (f ResolverFunc) Resolve(name string) (uint32, bool) { return f(name) }

// relocate applies every relocation record of f to the image of h, in
// table order.
func (l *Loader) relocate(h *Handle, f *object.File, r Resolver) error {
	for i, rec := range f.Relocs {
		if err := l.apply(h, f, rec, r); err != nil {
			if l.debug {
				l.log.Debug("relocation failed", zap.String("path", h.path), zap.String("record", spew.Sdump(rec)))
			}
			return fail("relocate", h.path, ErrRelocFailure,
				fmt.Errorf("%s record %d (%s at 0x%x): %w", rec.Table, i, rec.Type(), rec.Offset, err))
		}
	}
	return nil
}

func (l *Loader) apply(h *Handle, f *object.File, rec object.Reloc, r Resolver) error {
	typ := rec.Type()
	if typ == elf.R_ARM_NONE {
		return nil
	}
	if uint64(rec.Offset)+4 > uint64(h.size) {
		return errOutOfImage
	}
	at := h.base + rec.Offset
	switch typ {
	case elf.R_ARM_RELATIVE:
		if rec.Explicit {
			return space.WriteWord(l.space, at, h.base+uint32(rec.Addend))
		}
		v, err := space.ReadWord(l.space, at)
		if err != nil {
			return err
		}
		return space.WriteWord(l.space, at, v+h.base)
	case elf.R_ARM_ABS32, elf.R_ARM_GLOB_DAT, elf.R_ARM_JUMP_SLOT:
		s, err := l.resolve(h, f, rec.Sym(), r)
		if err != nil {
			return err
		}
		a := uint32(rec.Addend)
		if typ == elf.R_ARM_ABS32 && !rec.Explicit {
			if a, err = space.ReadWord(l.space, at); err != nil {
				return err
			}
		}
		return space.WriteWord(l.space, at, s+a)
	}
	return errUnsupported
}

// resolve finds the value of symbol index i of f: the caller's resolver
// first, then h and its dependencies, then objects opened with Global.
// Unresolved weak symbols resolve to 0.
func (l *Loader) resolve(h *Handle, f *object.File, i uint32, r Resolver) (uint32, error) {
	if i == 0 {
		return 0, nil
	}
	name := f.Name(i)
	if r != nil {
		if v, ok := r.Resolve(name); ok {
			return v, nil
		}
	}
	l.mu.Lock()
	owner, idx, ok := l.lookupExtended(h, name)
	if !ok {
		owner, idx, ok = l.lookupGlobal(name)
	}
	var v uint32
	if ok {
		v = owner.base + owner.syms.Symbols[idx].Value
	}
	l.mu.Unlock()
	if ok {
		return v, nil
	}
	if f.Weak(i) {
		return 0, nil
	}
	return 0, fmt.Errorf("%w %q", errUnresolved, name)
}
