//go:build unix

package profile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive sends signal 0, which checks existence without touching the process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
