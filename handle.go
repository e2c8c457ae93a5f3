package dl

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/object"
)

type state uint8

const (
	stateFree state = iota
	stateLoading
	stateReady
	stateUnloading
)

func (s state) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateUnloading:
		return "unloading"
	}
	return "free"
}

// A Handle refers to a loaded object. Handles are only valid between the
// Open that returned them and the matching Close.
type Handle struct {
	slot  int
	gen   uint64
	path  string
	flags Flag
	refs  uint32
	state state
	txn   *txn

	base, origin, size uint32
	entry              uint32
	fini, finiCount    uint32

	deps []dep
	syms object.Symtab
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@0x%08x", h.path, h.base)
}

// dep is a dependency edge. Weak edges point back into an object that was
// still loading when the edge was made. They hold no reference until the
// target becomes ready and are only followed while the target keeps the
// generation recorded here.
type dep struct {
	h    *Handle
	gen  uint64
	weak bool
}

func (d dep) live() bool {
	if d.h.gen != d.gen {
		return false
	}
	return d.h.state == stateReady || d.h.state == stateLoading && d.h.base != 0
}

// txn is one top-level open together with the dependency opens it causes.
type txn struct {
	id      uint64
	waiting *Handle
}

// acquire finds path or claims a free slot for it. It returns the handle,
// whether it already existed, and whether the caller must treat the edge as
// weak. Explicit opens replace the flags of a found handle.
func (l *Loader) acquire(path string, flags Flag, tx *txn, explicit bool) (h *Handle, found, weak bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		h = l.find(path)
		if h == nil {
			break
		}
		switch h.state {
		case stateReady:
			if h.refs == math.MaxUint32 {
				return nil, false, false, ErrRefLimit
			}
			h.refs++
			if explicit {
				h.flags = flags &^ NoLoad
			}
			return h, true, false, nil
		case stateLoading:
			if h.txn == tx || l.blocks(h.txn, tx) {
				return h, true, true, nil
			}
		}
		tx.waiting = h
		l.cond.Wait()
		tx.waiting = nil
	}
	if flags&NoLoad != 0 {
		return nil, false, false, ErrNotFound
	}
	slot := -1
	for i, s := range l.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, false, false, ErrHandleLimit
	}
	l.gen++
	h = &Handle{
		slot:  slot,
		gen:   l.gen,
		path:  path,
		flags: flags &^ NoLoad,
		refs:  1,
		state: stateLoading,
		txn:   tx,
	}
	l.slots[slot] = h
	return h, false, false, nil
}

// find returns the live handle with exactly this path. Caller holds l.mu.
func (l *Loader) find(path string) *Handle {
	for _, h := range l.slots {
		if h != nil && h.path == path {
			return h
		}
	}
	return nil
}

// blocks reports whether waiting on a handle owned by owner would wait,
// directly or through other waiting loads, on tx itself.
func (l *Loader) blocks(owner, tx *txn) bool {
	for steps := 0; owner != nil && steps <= len(l.slots); steps++ {
		if owner == tx {
			return true
		}
		if owner.waiting == nil {
			return false
		}
		owner = owner.waiting.txn
	}
	return false
}

// valid reports whether h is a handle a caller may use. Caller holds l.mu.
func (l *Loader) valid(h *Handle) bool {
	return h != nil && h.state == stateReady && h.slot < len(l.slots) && l.slots[h.slot] == h
}

// markReady publishes a loaded handle and wakes loads waiting on it. Weak
// edges already pointing at h become strong references.
func (l *Loader) markReady(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h.state = stateReady
	h.txn = nil
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		for i := range s.deps {
			if d := &s.deps[i]; d.weak && d.h == h && d.gen == h.gen {
				d.weak = false
				h.refs++
			}
		}
	}
	l.cond.Broadcast()
}

// holders counts the strong edges into every handle. Whatever refs a handle
// has beyond that count belongs to callers of Open. Caller holds l.mu.
func (l *Loader) holders() map[*Handle]uint32 {
	in := map[*Handle]uint32{}
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		for _, d := range s.deps {
			if !d.weak && d.h.gen == d.gen {
				in[d.h]++
			}
		}
	}
	return in
}

// collect marks every ready handle that no loading handle and no handle
// held by a caller can reach as unloading. It returns them with first, when
// it qualifies, leading and its dependencies following breadth first.
// Caller holds l.mu.
func (l *Loader) collect(first *Handle) []*Handle {
	in := l.holders()
	reached := map[*Handle]bool{}
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		if s.state == stateLoading || s.state == stateReady && s.refs > in[s] {
			l.walk(s, func(c *Handle) bool {
				reached[c] = true
				return false
			})
		}
	}
	dead := func(h *Handle) bool {
		return h == first && h.state == stateUnloading || h.state == stateReady && !reached[h]
	}
	var out []*Handle
	taken := map[*Handle]bool{}
	queue := []*Handle{first}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if taken[cur] || !dead(cur) {
			continue
		}
		taken[cur] = true
		out = append(out, cur)
		for _, d := range cur.deps {
			if d.h.gen == d.gen {
				queue = append(queue, d.h)
			}
		}
	}
	for _, s := range l.slots {
		if s != nil && !taken[s] && dead(s) {
			taken[s] = true
			out = append(out, s)
		}
	}
	for _, h := range out {
		h.state = stateUnloading
	}
	return out
}

// release drops one caller reference and unloads whatever became
// unreachable. A handle only kept by the edges of other objects has no
// caller reference left to drop.
func (l *Loader) release(h *Handle) error {
	l.mu.Lock()
	if !l.valid(h) || h.refs <= l.holders()[h] {
		l.mu.Unlock()
		return ErrInvalidArgument
	}
	h.refs--
	dead := l.collect(h)
	l.mu.Unlock()
	return l.unload(dead)
}

// discard tears down a handle whose load failed, together with the
// dependencies only it kept.
func (l *Loader) discard(h *Handle) {
	l.mu.Lock()
	path := h.path
	h.state = stateUnloading
	dead := l.collect(h)
	l.mu.Unlock()
	if err := l.unload(dead); err != nil {
		l.log.Warn("discard left resources behind", zap.String("path", path), zap.Error(err))
	}
}

// unload tears down every handle of dead outside the lock, then drops the
// references they held on surviving handles and frees their slots.
func (l *Loader) unload(dead []*Handle) error {
	if len(dead) == 0 {
		return nil
	}
	var errs []error
	for _, h := range dead {
		if err := l.teardown(h); err != nil {
			errs = append(errs, err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	gone := map[*Handle]bool{}
	for _, h := range dead {
		gone[h] = true
	}
	for _, h := range dead {
		for _, d := range h.deps {
			if !d.weak && !gone[d.h] && d.h.gen == d.gen {
				d.h.refs--
			}
		}
	}
	for _, h := range dead {
		l.slots[h.slot] = nil
		*h = Handle{}
	}
	l.cond.Broadcast()
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
