package dl

import (
	"errors"
	"sync"
)

var (
	defaultOnce   sync.Once
	defaultLoader *Loader

	exportMu sync.RWMutex
	exports  = make(map[string]uint32)
)

var (
	// ErrAlreadyExported occurs when a name is exported twice with different addresses.
	ErrAlreadyExported = errors.New("symbol already exported")
)

// Default returns the process-wide loader, configured from the environment
// on first use.
func Default() *Loader {
	defaultOnce.Do(func() {
		defaultLoader = NewLoader(ConfigFromEnv())
	})
	return defaultLoader
}

// Export publishes a host address under name. NewSymbols copies every export
// into the resolvers it returns.
func Export(name string, addr uint32) error {
	exportMu.Lock()
	defer exportMu.Unlock()
	if v, ok := exports[name]; ok && v != addr {
		return ErrAlreadyExported
	}
	exports[name] = addr
	return nil
}

// Unexport removes name from the process-wide exports.
func Unexport(name string) {
	exportMu.Lock()
	defer exportMu.Unlock()
	delete(exports, name)
}
