package utils

import (
	"os"
	"strconv"
)

// CheckPid reports whether a process with this pid is visible in /proc.
func CheckPid(pid string) bool {
	n, err := ParsePid(pid)
	if err != nil {
		return false
	}
	_, err = os.Stat(ProcPath(n, ""))
	return err == nil
}

// CheckPidInt is CheckPid for a numeric pid.
func CheckPidInt(pid int) bool { return CheckPid(strconv.Itoa(pid)) }
