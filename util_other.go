//go:build !linux
// +build !linux

package warden

// totalMemory is unknown on this platform, callers fall back to a static
// default.
func totalMemory() uint64 {
	return 0
}
