//go:build !unix

package docker

import "os"

// hostProcessAlive reports whether pid names a running process. On
// Windows FindProcess fails for a pid with no process behind it.
func hostProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
