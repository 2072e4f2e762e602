//go:build !unix

package cli

import "os"

// processAlive reports whether pid can be opened. FindProcess fails for
// unknown PIDs outside unix.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

// signalShutdown terminates the process. There is no SIGTERM here, so the
// audit queue is not flushed.
func signalShutdown(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
