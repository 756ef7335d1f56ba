//go:build windows

package probe

import (
	"errors"
	"syscall"
)

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
	errInvalidParameter            = syscall.Errno(87)
)

// IsAlive opens the process and checks its exit code. An invalid pid means gone;
// access denied means it exists under another owner.
func IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		switch {
		case errors.Is(err, errInvalidParameter):
			return false, nil
		case errors.Is(err, syscall.ERROR_ACCESS_DENIED):
			return true, nil
		default:
			return false, err
		}
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return true, nil
	}
	return code == stillActive, nil
}

// gopsutil reports creation time on Windows; there is no fallback.
func procStartUnix(int) int64 { return 0 }
