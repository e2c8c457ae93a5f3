package dl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/space"
)

// Loader maps ARM shared objects into a space.Space, links them against
// each other and tracks them in a fixed table of handles.
//
// All methods are safe for concurrent use. The table lock is never held
// while reading an object, opening a dependency or tearing an object down.
type Loader struct {
	space   space.Space
	opener  Opener
	log     *zap.Logger
	debug   bool
	maxDeps int

	mu    sync.Mutex
	cond  *sync.Cond
	slots []*Handle
	gen   uint64
	txns  uint64
}

// NewLoader returns a loader configured by cfg.
func NewLoader(cfg Config) *Loader {
	cfg = cfg.withDefaults()
	l := &Loader{
		space:   cfg.Space,
		opener:  cfg.Open,
		log:     cfg.Logger,
		debug:   cfg.Debug,
		maxDeps: cfg.MaxDeps,
		slots:   make([]*Handle, cfg.MaxHandles),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Space returns the address space objects are mapped into.
func (l *Loader) Space() space.Space { return l.space }

// Open loads the object at path, or takes another reference to it if it is
// already loaded. Dependencies are looked up in the directory of path. The
// resolver may be nil.
func (l *Loader) Open(path string, flags Flag, r Resolver) (*Handle, error) {
	h, _, err := l.open(path, nil, flags, r, nil)
	return h, err
}

// OpenBuffer loads an object from memory under the identity name.
func (l *Loader) OpenBuffer(name string, buf []byte, flags Flag, r Resolver) (*Handle, error) {
	if len(buf) == 0 {
		return nil, fail("open", name, ErrInvalidArgument, errors.New("empty buffer"))
	}
	h, _, err := l.open(name, buf, flags, r, nil)
	return h, err
}

// Close drops a reference to h obtained from Open. Objects no longer
// reachable from a caller reference run their finalizers and are unmapped
// together; a dependency cycle goes away once no member is held.
func (l *Loader) Close(h *Handle) error {
	path := ""
	if h != nil {
		l.mu.Lock()
		path = h.path
		l.mu.Unlock()
	}
	err := l.release(h)
	if err == error(ErrInvalidArgument) {
		return fail("close", path, ErrInvalidArgument, errors.New("invalid handle"))
	}
	return err
}

// open is shared by top-level and dependency opens. A nil tx starts a new
// load transaction; dependency opens pass their parent's.
func (l *Loader) open(path string, buf []byte, flags Flag, r Resolver, tx *txn) (*Handle, bool, error) {
	explicit := tx == nil
	if err := checkFlags(flags); err != nil {
		return nil, false, fail("open", path, ErrInvalidArgument, err)
	}
	if path == "" {
		return nil, false, fail("open", path, ErrInvalidArgument, errors.New("empty path"))
	}
	if len(path) > MaxPath {
		return nil, false, fail("open", path, ErrPathTooLong, fmt.Errorf("%d bytes, limit %d", len(path), MaxPath))
	}
	if explicit {
		tx = l.begin()
	}
	h, found, weak, err := l.acquire(path, flags, tx, explicit)
	if err != nil {
		return nil, false, fail("open", path, CodeOf(err), nil)
	}
	if found {
		return h, weak, nil
	}
	if err = l.load(h, buf, r, tx); err != nil {
		l.discard(h)
		l.log.Debug("open failed", zap.String("path", path), zap.Error(err))
		return nil, false, err
	}
	l.markReady(h)
	l.log.Debug("opened", zap.String("path", path), zap.Uint32("base", h.base), zap.Stringer("flags", flags))
	return h, false, nil
}

func (l *Loader) begin() *txn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txns++
	return &txn{id: l.txns}
}

// load runs parse, map, symbol install, dependency load, relocation,
// protection and initialization for a freshly acquired handle.
func (l *Loader) load(h *Handle, buf []byte, r Resolver, tx *txn) error {
	var src io.ReadSeeker
	if buf != nil {
		src = bytes.NewReader(buf)
	} else {
		rc, err := l.opener.Open(h.path)
		if err != nil {
			return fail("open", h.path, ErrReadFailure, err)
		}
		defer fn.IgnoreClose(rc)
		src = rc
	}
	f, err := object.Parse(src)
	if err != nil {
		return fail("open", h.path, objectCode(err), err)
	}
	defer f.Close()
	if l.debug {
		l.log.Debug("parsed", zap.String("path", h.path), zap.String("header", spew.Sdump(f.Header)))
	}
	if err = l.mapImage(h, f, src); err != nil {
		return err
	}
	l.mu.Lock()
	h.syms = f.Symtab
	l.mu.Unlock()
	if err = l.loadDeps(h, f, r, tx); err != nil {
		return err
	}
	if err = l.relocate(h, f, r); err != nil {
		return err
	}
	if err = l.protect(h, f); err != nil {
		return err
	}
	return l.initialize(h, f)
}

// Info is a snapshot of a loaded object.
type Info struct {
	Path   string
	Base   uint32
	Origin uint32
	Size   uint32
	Entry  uint32
	Refs   uint32
	Flags  Flag
	Deps   []string
}

// Info returns a snapshot of h.
func (l *Loader) Info(h *Handle) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid(h) {
		return Info{}, fail("info", "", ErrInvalidArgument, errors.New("invalid handle"))
	}
	return l.info(h), nil
}

func (l *Loader) info(h *Handle) Info {
	in := Info{
		Path:   h.path,
		Base:   h.base,
		Origin: h.origin,
		Size:   h.size,
		Entry:  h.entry,
		Refs:   h.refs,
		Flags:  h.flags,
	}
	for _, d := range h.deps {
		if d.live() {
			in.Deps = append(in.Deps, d.h.path)
		}
	}
	return in
}

// Each calls fn with every ready object in table order until fn returns
// false. The table is snapshotted first, so fn may open and close objects.
func (l *Loader) Each(fn func(*Handle, Info) bool) {
	l.mu.Lock()
	type entry struct {
		h  *Handle
		in Info
	}
	var all []entry
	for _, h := range l.slots {
		if h != nil && h.state == stateReady {
			all = append(all, entry{h, l.info(h)})
		}
	}
	l.mu.Unlock()
	for _, e := range all {
		if !fn(e.h, e.in) {
			return
		}
	}
}
