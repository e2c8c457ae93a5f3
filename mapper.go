package dl

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/space"
)

// mirrorRetries bounds how often a load looks for a new gap after another
// load claimed the one it found.
const mirrorRetries = 8

// imageSize returns the bytes the loadable segments of f need: the larger of
// the aligned sum of their memory sizes and their highest end address,
// rounded to the page.
func imageSize(f *object.File) (uint32, error) {
	var sum, top uint64
	for _, p := range f.Loads() {
		if p.Memsz < p.Filesz {
			return 0, fmt.Errorf("segment at 0x%x: memory size below file size", p.Vaddr)
		}
		align := uint64(1)
		if p.Align > 1 {
			align = uint64(p.Align)
		}
		sum += (uint64(p.Memsz) + align - 1) / align * align
		top = max(top, uint64(p.Vaddr)+uint64(p.Memsz))
	}
	if sum == 0 {
		return 0, errors.New("no loadable bytes")
	}
	size := (max(sum, top) + space.PageSize - 1) &^ (space.PageSize - 1)
	if size > 1<<32-space.PageSize {
		return 0, fmt.Errorf("image of 0x%x bytes exceeds the address space", size)
	}
	return uint32(size), nil
}

// mapImage allocates backing storage, copies the file bytes of every
// loadable segment into it and mirrors it into the code region.
func (l *Loader) mapImage(h *Handle, f *object.File, src io.ReadSeeker) error {
	size, err := imageSize(f)
	if err != nil {
		return fail("map", h.path, ErrInvalidObject, err)
	}
	origin, err := l.space.Alloc(size)
	if err != nil {
		return fail("map", h.path, spaceCode(err), err)
	}
	l.mu.Lock()
	h.origin, h.size = origin, size
	l.mu.Unlock()

	for _, p := range f.Loads() {
		if p.Filesz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err = src.Seek(int64(p.Off), io.SeekStart); err == nil {
			_, err = io.ReadFull(src, buf)
		}
		if err != nil {
			return fail("map", h.path, ErrReadFailure, err)
		}
		if err = l.space.Write(origin+p.Vaddr, buf); err != nil {
			return fail("map", h.path, ErrMapFailure, err)
		}
	}

	for try := 0; ; try++ {
		var base uint32
		if base, err = l.findGap(size); err != nil {
			return fail("map", h.path, spaceCode(err), err)
		}
		err = l.space.Mirror(base, origin, size)
		if err == nil {
			l.mu.Lock()
			h.base = base
			l.mu.Unlock()
			break
		}
		if !errors.Is(err, space.ErrBusy) || try == mirrorRetries {
			return fail("map", h.path, ErrMapFailure, err)
		}
	}
	l.log.Debug("mapped", zap.String("path", h.path),
		zap.Uint32("base", h.base), zap.Uint32("origin", origin), zap.Uint32("size", size))
	return nil
}

// findGap walks the runs of the code region from its start and returns the
// first free run of at least size bytes.
func (l *Loader) findGap(size uint32) (uint32, error) {
	base, n := l.space.CodeRegion()
	end := uint64(base) + uint64(n)
	for at := uint64(base); at < end; {
		r, err := l.space.Query(uint32(at))
		if err != nil {
			return 0, fmt.Errorf("query 0x%x: %w", at, err)
		}
		if r.State == space.StateFree && r.Size >= size {
			return r.Base, nil
		}
		if r.End() <= at {
			return 0, fmt.Errorf("query 0x%x: empty run", at)
		}
		at = r.End()
	}
	return 0, fmt.Errorf("%w: no free run of 0x%x bytes in the code region", space.ErrNoMemory, size)
}

// segmentPerm translates program header flags. Only R, W, X, RW and RX
// are representable.
func segmentPerm(flags elf.ProgFlag) (space.Perm, error) {
	switch flags & (elf.PF_R | elf.PF_W | elf.PF_X) {
	case elf.PF_R:
		return space.PermRead, nil
	case elf.PF_W:
		return space.PermWrite, nil
	case elf.PF_X:
		return space.PermExec, nil
	case elf.PF_R | elf.PF_W:
		return space.PermRW, nil
	case elf.PF_R | elf.PF_X:
		return space.PermRX, nil
	}
	return 0, fmt.Errorf("unsupported segment permissions %s", flags)
}

// protect applies final segment permissions and flushes caches over the
// image.
func (l *Loader) protect(h *Handle, f *object.File) error {
	for _, p := range f.Loads() {
		if p.Memsz == 0 {
			continue
		}
		perm, err := segmentPerm(elf.ProgFlag(p.Flags))
		if err != nil {
			return fail("protect", h.path, ErrMapFailure, err)
		}
		lo := space.AlignDown(p.Vaddr, space.PageSize)
		hi := space.Align(p.Vaddr+p.Memsz, space.PageSize)
		if err = l.space.Protect(h.base+lo, hi-lo, perm); err != nil {
			return fail("protect", h.path, ErrMapFailure, err)
		}
	}
	if err := l.space.FlushCache(h.base, h.size); err != nil {
		return fail("protect", h.path, ErrMapFailure, err)
	}
	return nil
}

// initialize runs the init array in order and records the fini array.
func (l *Loader) initialize(h *Handle, f *object.File) error {
	if addr, n, ok := f.Array(elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ); ok {
		for i := uint32(0); i < n; i++ {
			fn, err := space.ReadWord(l.space, h.base+addr+4*i)
			if err == nil {
				err = l.space.Call(fn)
			}
			if err != nil {
				return fail("init", h.path, ErrMapFailure, fmt.Errorf("init entry %d: %w", i, err))
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr, n, ok := f.Array(elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ); ok {
		h.fini, h.finiCount = h.base+addr, n
	}
	h.entry = h.base + f.Header.Entry
	return nil
}

// teardown runs finalizers, removes the mirror and frees the backing
// storage. It keeps going after a failure and reports every failure.
func (l *Loader) teardown(h *Handle) error {
	var errs []error
	for i := uint32(0); i < h.finiCount; i++ {
		fn, err := space.ReadWord(l.space, h.fini+4*i)
		if err == nil {
			err = l.space.Call(fn)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("fini entry %d: %w", i, err))
		}
	}
	mirrored := true
	if h.base != 0 {
		if err := l.space.Unmirror(h.base, h.origin, h.size); err != nil {
			errs = append(errs, err)
			mirrored = false
		}
	}
	if h.origin != 0 && mirrored {
		if err := l.space.Free(h.origin); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	l.log.Debug("teardown failed", zap.String("path", h.path), zap.Errors("errors", errs))
	return fail("close", h.path, ErrUnloadFailure, errors.Join(errs...))
}
