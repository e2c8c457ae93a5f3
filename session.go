package dl

// Session is a dlfcn-style view of a Loader for one goroutine. Failed calls
// return a zero value and park their error in the session; Error and
// LastError read and clear it. The first failure wins until it is read.
//
// A Session must not be shared between goroutines. Open one per goroutine
// with Loader.Session.
type Session struct {
	l    *Loader
	slot Slot
}

// Session returns a new session on l.
func (l *Loader) Session() *Session {
	return &Session{l: l}
}

// NewSession returns a session on the process-wide Default loader.
func NewSession() *Session {
	return Default().Session()
}

// Loader returns the loader behind s.
func (s *Session) Loader() *Loader { return s.l }

// Open is OpenWith without a resolver.
func (s *Session) Open(path string, flags Flag) *Handle {
	return s.OpenWith(path, flags, nil)
}

// OpenWith opens path, consulting r before loaded objects for imports.
func (s *Session) OpenWith(path string, flags Flag, r Resolver) *Handle {
	h, err := s.l.Open(path, flags, r)
	if err != nil {
		s.slot.Set(err)
		return nil
	}
	return h
}

// Map is MapWith without a resolver.
func (s *Session) Map(name string, buf []byte, flags Flag) *Handle {
	return s.MapWith(name, buf, flags, nil)
}

// MapWith loads an object from buf under the identity name.
func (s *Session) MapWith(name string, buf []byte, flags Flag, r Resolver) *Handle {
	h, err := s.l.OpenBuffer(name, buf, flags, r)
	if err != nil {
		s.slot.Set(err)
		return nil
	}
	return h
}

// Close returns false and records the error if h could not be closed.
func (s *Session) Close(h *Handle) bool {
	if err := s.l.Close(h); err != nil {
		s.slot.Set(err)
		return false
	}
	return true
}

// Sym returns 0 and records the error when name is not found.
func (s *Session) Sym(h *Handle, name string) uint32 {
	v, err := s.l.Sym(h, name)
	if err != nil {
		s.slot.Set(err)
		return 0
	}
	return v
}

// Addr reports false and records the error when no object contains addr.
func (s *Session) Addr(addr uint32) (AddrInfo, bool) {
	info, err := s.l.Addr(addr)
	if err != nil {
		s.slot.Set(err)
		return AddrInfo{}, false
	}
	return info, true
}

// Error returns the catalog text of the pending error and clears it. It
// returns "" when nothing is pending.
func (s *Session) Error() string {
	err := s.slot.Take()
	if err == nil {
		return ""
	}
	return CodeOf(err).Error()
}

// Err returns the full pending error, with its cause, and clears it.
func (s *Session) Err() error {
	return s.slot.Take()
}

// LastError returns the code of the pending error and clears it.
func (s *Session) LastError() Code {
	return CodeOf(s.slot.Take())
}
