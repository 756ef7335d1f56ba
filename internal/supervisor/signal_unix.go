//go:build !windows

package supervisor

import (
	"errors"
	"syscall"
)

// signalService signals the whole process group when pid leads one, so
// reloader or worker children go down with their parent.
func signalService(pid int, sig syscall.Signal) error {
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	return syscall.Kill(target, sig)
}

func terminate(pid int) error { return signalService(pid, syscall.SIGTERM) }

func forceKill(pid int) error { return signalService(pid, syscall.SIGKILL) }

func isNoProcess(err error) bool { return errors.Is(err, syscall.ESRCH) }
