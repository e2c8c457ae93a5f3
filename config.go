package dl

import (
	"github.com/xyproto/env/v2"
	"go.uber.org/zap"

	"github.com/kynex7510/3ds-dl/space"
)

const (
	// MaxPath is the longest accepted object identity, in bytes.
	MaxPath = 255

	DefaultMaxHandles = 16
	DefaultMaxDeps    = 16
)

// Config configures a Loader. Zero fields take defaults: a fresh space.Sim,
// OSOpener, 16 handles, 16 dependencies per object and a no-op logger.
type Config struct {
	Space      space.Space
	Open       Opener
	MaxHandles int
	MaxDeps    int
	Logger     *zap.Logger
	// Debug builds a development logger when Logger is nil, and adds record
	// dumps to debug output.
	Debug bool
}

// ConfigFromEnv reads CTRDL_DEBUG, CTRDL_MAX_HANDLES and CTRDL_MAX_DEPS.
func ConfigFromEnv() Config {
	return Config{
		Debug:      env.Bool("CTRDL_DEBUG"),
		MaxHandles: env.Int("CTRDL_MAX_HANDLES", DefaultMaxHandles),
		MaxDeps:    env.Int("CTRDL_MAX_DEPS", DefaultMaxDeps),
	}
}

func (c Config) withDefaults() Config {
	if c.Space == nil {
		c.Space = space.NewSim()
	}
	if c.Open == nil {
		c.Open = OSOpener
	}
	if c.MaxHandles <= 0 {
		c.MaxHandles = DefaultMaxHandles
	}
	if c.MaxDeps <= 0 {
		c.MaxDeps = DefaultMaxDeps
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
		if c.Debug {
			if l, err := zap.NewDevelopment(); err == nil {
				c.Logger = l
			}
		}
	}
	return c
}
