//go:build !linux

// Package procattr configures backend subprocesses so they can be torn
// down as a group and never outlive the supervisor.
package procattr

import (
	"os/exec"
	"syscall"
)

// Apply puts the child in its own process group. Pdeathsig does not exist
// off Linux; group membership alone still lets the supervisor signal the
// whole tree with a negative pid.
func Apply(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
