/*
Package dl is a dynamic loader for 32-bit little-endian ARM shared objects
running in a single address space without an operating system linker.

# Model

Objects are parsed by package object, copied into heap storage obtained from
a [space.Space] and mirrored into the executable code region. Relocations are
applied through the mirror, segment permissions are set, caches flushed and
the init array run. Every object lives in a slot of a fixed handle table and
is reference counted; dependencies named by DT_NEEDED are opened from the
directory of the object that needs them.

Symbols are resolved in this order:

 1. the caller's [Resolver], if any.
 2. the requesting object and its dependencies, breadth first.
 3. objects opened with [Global], in table order.

# Usage

	l := dl.NewLoader(dl.Config{Space: sp, Open: dl.FSOpener(fsys)})
	h, err := l.Open("/lib/libfoo.so", dl.Now, dl.NewSymbols())
	if err != nil {
		return err
	}
	defer l.Close(h)
	addr, err := l.Sym(h, "foo")

[Session] wraps a loader with dlopen-style calls that park their error for a
later Error or LastError. Sessions are per goroutine; the loader is shared.

# Notes

 1. Only immediate binding is supported, so [Now] is mandatory.
 2. Addresses returned by Sym are not protected against a concurrent Close of
    the owning object.
 3. Set CTRDL_DEBUG=1 to log loads through a development zap logger when
    using [Default] or [ConfigFromEnv].
*/
package dl
