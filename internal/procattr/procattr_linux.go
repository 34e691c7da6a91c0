//go:build linux

// Package procattr configures backend subprocesses so they can be torn
// down as a group and never outlive the supervisor.
package procattr

import (
	"os/exec"
	"syscall"
)

// Apply puts the child in its own process group and requests SIGTERM on
// parent death, so a dead supervisor cannot leave agent CLIs running.
func Apply(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
