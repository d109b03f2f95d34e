//go:build unix

package docker

import (
	"errors"

	"golang.org/x/sys/unix"
)

// hostProcessAlive reports whether pid names a running process. EPERM
// means it exists but belongs to another user.
func hostProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
