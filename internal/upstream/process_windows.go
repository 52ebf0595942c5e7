//go:build windows

package upstream

import (
	"os"

	"golang.org/x/sys/windows"
)

// processIsAlive reports whether proc still exists.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == 259 // STILL_ACTIVE
}

// sendTerminationSignal asks proc to exit. Windows has no SIGTERM; Kill
// (TerminateProcess) is the closest equivalent and is itself the hard
// kill the graceful shutdown sequence otherwise reserves for the final step.
func sendTerminationSignal(proc *os.Process) error {
	return proc.Kill()
}
