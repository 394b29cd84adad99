//go:build windows

package proc

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// isAlive queries the task list filtered by PID. The process exists iff at
// least one CSV row names it.
func isAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/fi", fmt.Sprintf("PID eq %d", pid), "/fo", "csv", "/nh").Output()
	if err != nil {
		return false
	}

	pidStr := strconv.Itoa(pid)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, `"`) {
			continue
		}
		fields := strings.Split(line, `","`)
		if len(fields) >= 2 && strings.Trim(fields[1], `"`) == pidStr {
			return true
		}
	}
	return false
}

func terminateGracefully(pid int) error {
	return exec.Command("taskkill", "/pid", strconv.Itoa(pid)).Run()
}

func forceKill(pid int) error {
	return exec.Command("taskkill", "/f", "/pid", strconv.Itoa(pid)).Run()
}
