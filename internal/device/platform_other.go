//go:build !linux

package device

import "go.uber.org/zap"

// NewPlatformSource returns the native hot-plug source for this platform.
// Without a native adapter the daemon runs with an injectable source, which
// keeps the rest of the pipeline exercisable.
func NewPlatformSource(_ *zap.Logger) Source {
	return NewMemorySource(64)
}
