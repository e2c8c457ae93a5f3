package dl

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/ZenLiuCN/fn"
)

// Opener turns an object identity into a seekable byte source.
type Opener interface {
	Open(path string) (io.ReadSeekCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (io.ReadSeekCloser, error)

func (f OpenerFunc) Open(path string) (io.ReadSeekCloser, error) { return f(path) }

// OSOpener opens objects from the host file system.
var OSOpener Opener = OpenerFunc(func(path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
})

// FSOpener opens objects from fsys. Leading slashes are dropped, since
// fs.FS paths are unrooted. Files that cannot seek are read into memory.
func FSOpener(fsys fs.FS) Opener {
	return OpenerFunc(func(path string) (io.ReadSeekCloser, error) {
		f, err := fsys.Open(strings.TrimLeft(path, "/"))
		if err != nil {
			return nil, err
		}
		if rs, ok := f.(io.ReadSeekCloser); ok {
			return rs, nil
		}
		defer fn.IgnoreClose(f)
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return nopCloser{bytes.NewReader(b)}, nil
	})
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }
