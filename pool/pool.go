// Package pool keeps a named, ordered group of loaded objects whose exports
// are visible to every object loaded after them.
package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"

	dl "github.com/kynex7510/3ds-dl"
)

type Pool struct {
	dl.Symbols
	Loader  *dl.Loader
	Modules map[string]*dl.Handle
	Loaded  []*dl.Handle
	sync.RWMutex
}

var (
	ErrAlreadyLoad    = errors.New("module already loaded")
	ErrNotLoad        = errors.New("module not loaded")
	ErrMissingPackage = errors.New("missing module")
	ErrCorrupted      = errors.New("recording corrupted")
)

// NewPool create new pool on l, or on the default loader when l is nil. The
// pool starts with the process-wide exports.
func NewPool(l *dl.Loader) *Pool {
	if l == nil {
		l = dl.Default()
	}
	return &Pool{
		Symbols: dl.NewSymbols(),
		Loader:  l,
		Modules: make(map[string]*dl.Handle),
	}
}

// Register adds a host address to the pool symbols.
func (p *Pool) Register(name string, addr uint32) {
	p.Lock()
	defer p.Unlock()
	p.Symbols[name] = addr
}

// LoadFile load an object file under name
func (p *Pool) LoadFile(name, path string) (err error) {
	p.Lock()
	defer p.Unlock()
	return p.load(name, func() (*dl.Handle, error) {
		return p.Loader.Open(path, dl.Now, p.Symbols)
	})
}

// LoadBuffer load an object image under name
func (p *Pool) LoadBuffer(name string, buf []byte) (err error) {
	p.Lock()
	defer p.Unlock()
	return p.load(name, func() (*dl.Handle, error) {
		return p.Loader.OpenBuffer(name, buf, dl.Now, p.Symbols)
	})
}

func (p *Pool) load(name string, open func() (*dl.Handle, error)) (err error) {
	if name == "" {
		name = "main"
	}
	if _, ok := p.Modules[name]; ok {
		return ErrAlreadyLoad
	}
	h, err := open()
	if err != nil {
		return
	}
	p.Modules[name] = h
	p.Loaded = append(p.Loaded, h)
	return p.register(h)
}

func (p *Pool) exports(h *dl.Handle) (map[string]uint32, error) {
	names, err := p.Loader.Exports(h)
	if err != nil {
		return nil, err
	}
	m := make(map[string]uint32, len(names))
	for _, s := range names {
		if m[s], err = p.Loader.Sym(h, s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (p *Pool) register(h *dl.Handle) error {
	syms, err := p.exports(h)
	if err != nil {
		return err
	}
	for s, u := range syms {
		if _, ok := p.Symbols[s]; ok {
			continue
		} else {
			p.Symbols[s] = u
		}
	}
	return nil
}

func (p *Pool) unregister(h *dl.Handle) error {
	syms, err := p.exports(h)
	if err != nil {
		return err
	}
	for s, u := range syms {
		if x, ok := p.Symbols[s]; ok && x == u {
			delete(p.Symbols, s)
		}
	}
	return nil
}

// unloadFrom closes the module at index i of Loaded and every module loaded
// after it, newest first.
func (p *Pool) unloadFrom(i int) error {
	var errs []error
	for j := len(p.Loaded) - 1; j >= i; j-- {
		h := p.Loaded[j]
		delete(p.Modules, fn.MapKeyOf(p.Modules, h))
		errs = append(errs, p.unregister(h), p.Loader.Close(h))
	}
	p.Loaded = p.Loaded[:i]
	return errors.Join(errs...)
}

func (p *Pool) index(name string) (int, error) {
	if name == "" {
		name = "main"
	}
	m, ok := p.Modules[name]
	if !ok {
		return 0, ErrNotLoad
	}
	i := slices.Index(p.Loaded, m)
	if i < 0 {
		return 0, ErrCorrupted
	}
	return i, nil
}

// Unload closes the module and every module loaded after it, since those
// may have linked against it.
func (p *Pool) Unload(name string) error {
	p.Lock()
	defer p.Unlock()
	i, err := p.index(name)
	if err != nil {
		return err
	}
	return p.unloadFrom(i)
}

// ReloadFile unloads name and everything loaded after it, then loads path
// under name. Later modules are not reloaded.
func (p *Pool) ReloadFile(name, path string) (err error) {
	p.Lock()
	defer p.Unlock()
	i, err := p.index(name)
	if err != nil {
		return
	}
	if err = p.unloadFrom(i); err != nil {
		return
	}
	return p.load(name, func() (*dl.Handle, error) {
		return p.Loader.Open(path, dl.Now, p.Symbols)
	})
}

// Require fetch symbol from module
func (p *Pool) Require(name, symbolName string) (uint32, error) {
	p.RLock()
	defer p.RUnlock()
	if name == "" {
		name = "main"
	}
	if m, ok := p.Modules[name]; ok {
		return p.Loader.Sym(m, symbolName)
	}
	return 0, fmt.Errorf("%w: %s", ErrMissingPackage, name)
}

// MustRequire is Require that panics.
func (p *Pool) MustRequire(name, symbolName string) uint32 {
	return fn.Panic1(p.Require(name, symbolName))
}

// Close unloads every module, newest first.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	return p.unloadFrom(0)
}
