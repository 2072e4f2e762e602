//go:build unix

package cli

import (
	"errors"
	"syscall"
)

// processAlive sends signal 0 to pid. EPERM still means the process
// exists, it just belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalShutdown sends SIGTERM, which serve answers by draining requests
// and flushing the audit queue.
func signalShutdown(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
