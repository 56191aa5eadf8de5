//go:build linux
// +build linux

package warden

import (
	"golang.org/x/sys/unix"
)

// totalMemory returns the physical memory of the host in bytes, or 0 when it
// cannot be determined. It is used to size the default cap on pending branch
// states.
func totalMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
