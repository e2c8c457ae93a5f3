package dl

import (
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/object"
)

// depPath places a dependency next to the object that needs it.
func depPath(parent, name string) string {
	return path.Join(path.Dir(parent), name)
}

// loadDeps opens every DT_NEEDED entry of f with the flags of h. A failing
// dependency aborts the load unless a resolver may still cover its symbols.
func (l *Loader) loadDeps(h *Handle, f *object.File, r Resolver, tx *txn) error {
	names := f.Needed()
	if len(names) > l.maxDeps {
		return fail("open", h.path, ErrDepLimit, fmt.Errorf("%d dependencies, limit %d", len(names), l.maxDeps))
	}
	for _, name := range names {
		p := depPath(h.path, name)
		d, weak, err := l.open(p, nil, h.flags, r, tx)
		if err != nil {
			if r != nil {
				l.log.Info("dependency skipped, resolver may cover it",
					zap.String("path", h.path), zap.String("dependency", p), zap.Error(err))
				continue
			}
			return fail("open", h.path, ErrDepFailure, err)
		}
		l.mu.Lock()
		if weak && d.state == stateReady {
			weak = false
			d.refs++
		}
		h.deps = append(h.deps, dep{h: d, gen: d.gen, weak: weak})
		l.mu.Unlock()
		if weak {
			l.log.Debug("weak dependency edge", zap.String("path", h.path), zap.String("dependency", p))
		}
	}
	return nil
}
