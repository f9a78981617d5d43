//go:build windows

package repolock

import (
	"golang.org/x/sys/windows"
)

// isProcessRunning checks if a process with the given PID is running.
// On Windows a PID can be queried only while the process is alive (or a
// handle is held open), so a failed OpenProcess means the owner is gone.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}
