// Package proc provides cross-platform process control and the daemon's
// PID and state files.
package proc

// IsAlive reports whether a process with the given PID exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isAlive(pid)
}

// TerminateGracefully asks the process to shut down cleanly.
func TerminateGracefully(pid int) error {
	return terminateGracefully(pid)
}

// ForceKill terminates the process immediately.
func ForceKill(pid int) error {
	return forceKill(pid)
}
