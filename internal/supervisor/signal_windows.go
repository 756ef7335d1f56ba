//go:build windows

package supervisor

import (
	"errors"
	"os"
)

// Windows has no graceful signal for detached console processes; both
// steps terminate the process.
func terminate(pid int) error { return forceKill(pid) }

func forceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func isNoProcess(err error) bool { return errors.Is(err, os.ErrProcessDone) }
