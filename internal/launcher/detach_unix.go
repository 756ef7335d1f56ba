//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so signals aimed at the
// supervisor's process group never reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
