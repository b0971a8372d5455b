//go:build linux

package device

import "go.uber.org/zap"

// NewPlatformSource returns the native hot-plug source for this platform.
func NewPlatformSource(log *zap.Logger) Source {
	return NewUdevSource(log)
}
