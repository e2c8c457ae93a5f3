//go:build !linux

package space

import (
	"errors"
	"fmt"
	"runtime"
)

// Host is only available on linux.
type Host struct{ Space }

// NewHost fails on this platform.
func NewHost(Layout) (*Host, error) {
	return nil, fmt.Errorf("host space on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}

func (h *Host) Close() error { return nil }

func (h *Host) Bind(uint32, func() error) {}
