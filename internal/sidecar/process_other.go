//go:build !linux

package sidecar

import "os/exec"

// configureCommand keeps exec's default cancellation (Process.Kill) on
// platforms without process-group and parent-death support.
func configureCommand(cmd *exec.Cmd) {}
