package dl

import (
	"errors"
	"fmt"

	"github.com/kynex7510/3ds-dl/object"
	"github.com/kynex7510/3ds-dl/space"
)

// Code identifies why a loader operation failed. A Code is itself an error
// whose text comes from a fixed catalog, so errors.Is(err, ErrNotFound)
// works on any error returned by this package.
type Code int

const (
	OK Code = iota
	ErrInvalidArgument
	ErrReadFailure
	ErrNoMemory
	ErrHandleLimit
	ErrRefLimit
	ErrNotFound
	ErrInvalidObject
	ErrWrongBitWidth
	ErrWrongMachine
	ErrNotPIC
	ErrMapFailure
	ErrPathTooLong
	ErrRelocFailure
	ErrDepLimit
	ErrDepFailure
	ErrUnloadFailure
)

var catalog = [...]string{
	OK:                 "no error",
	ErrInvalidArgument: "invalid parameter",
	ErrReadFailure:     "could not read input file",
	ErrNoMemory:        "no memory",
	ErrHandleLimit:     "hit the handle limit",
	ErrRefLimit:        "hit the reference limit",
	ErrNotFound:        "not found",
	ErrInvalidObject:   "invalid object",
	ErrWrongBitWidth:   "the object is not 32-bit",
	ErrWrongMachine:    "unknown architecture",
	ErrNotPIC:          "the object is not position independent",
	ErrMapFailure:      "could not map object",
	ErrPathTooLong:     "path too long",
	ErrRelocFailure:    "relocation failed",
	ErrDepLimit:        "too many dependencies",
	ErrDepFailure:      "could not load dependency",
	ErrUnloadFailure:   "could not unload object",
}

func (c Code) Error() string {
	if c < 0 || int(c) >= len(catalog) {
		return fmt.Sprintf("unknown error %d", int(c))
	}
	return catalog[c]
}

// Error records a failed operation, the object it concerned and the
// underlying cause.
type Error struct {
	Op   string
	Path string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	s += ": " + e.Code.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// CodeOf returns the outermost Code carried by err. It returns OK for nil,
// and ErrInvalidArgument for errors that did not come from a loader.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrInvalidArgument
}

func fail(op, path string, code Code, err error) *Error {
	return &Error{Op: op, Path: path, Code: code, Err: err}
}

// objectCode maps parser failures onto the taxonomy.
func objectCode(err error) Code {
	switch {
	case errors.Is(err, object.ErrTruncated), errors.Is(err, object.ErrRead):
		return ErrReadFailure
	case errors.Is(err, object.ErrNot32Bit):
		return ErrWrongBitWidth
	case errors.Is(err, object.ErrWrongMachine):
		return ErrWrongMachine
	case errors.Is(err, object.ErrNotShared):
		return ErrNotPIC
	}
	return ErrInvalidObject
}

// spaceCode maps address-space failures onto the taxonomy.
func spaceCode(err error) Code {
	if errors.Is(err, space.ErrNoMemory) {
		return ErrNoMemory
	}
	return ErrMapFailure
}

// Slot holds at most one pending error. The first error set wins until the
// slot is read. A Slot belongs to one goroutine and is not locked.
type Slot struct {
	err error
}

// Set stores err unless an error is already pending.
func (s *Slot) Set(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

// Take returns the pending error and clears the slot.
func (s *Slot) Take() error {
	err := s.err
	s.err = nil
	return err
}

// Pending reports whether an error is waiting to be read.
func (s *Slot) Pending() bool { return s.err != nil }
