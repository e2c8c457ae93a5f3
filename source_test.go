package dl

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/ZenLiuCN/fn"
)

// streamFS hides Seek from the files of an fs.FS.
type streamFS struct {
	fs.FS
}

func (s streamFS) Open(name string) (fs.File, error) {
	f, err := s.FS.Open(name)
	if err != nil {
		return nil, err
	}
	return struct{ fs.File }{f}, nil
}

func TestFSOpener(t *testing.T) {
	fsys := fstest.MapFS{"lib/a.so": {Data: []byte("object")}}
	for name, o := range map[string]Opener{"seekable": FSOpener(fsys), "stream": FSOpener(streamFS{fsys})} {
		t.Run(name, func(t *testing.T) {
			rc := fn.Panic1(o.Open("/lib/a.so"))
			defer rc.Close()
			fn.Panic1(rc.Seek(2, io.SeekStart))
			b := fn.Panic1(io.ReadAll(rc))
			if !bytes.Equal(b, []byte("ject")) {
				t.Errorf("got %q", b)
			}
			if _, err := o.Open("lib/b.so"); err == nil {
				t.Error("opened a missing file")
			}
		})
	}
}
