//go:build windows

package lockfile

import "os"

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess succeeds only for live processes on windows.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
