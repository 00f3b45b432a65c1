package utils

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Auxiliary vector tags.
const (
	AT_NULL  = 0
	AT_PHDR  = 3
	AT_BASE  = 7
	AT_ENTRY = 9
)

// ProcPath is the path of a file under /proc/<pid>.
func ProcPath(pid int, name string) string {
	return fmt.Sprintf("/proc/%d/%s", pid, name)
}

// AuxvLookup returns the value of tag in a little endian auxiliary vector
// of 8 byte words. A vector truncated before AT_NULL is searched as far as
// it goes.
func AuxvLookup(auxv []byte, tag uint64) (uint64, bool) {
	for len(auxv) >= 16 {
		t := binary.LittleEndian.Uint64(auxv)
		v := binary.LittleEndian.Uint64(auxv[8:])
		auxv = auxv[16:]
		switch t {
		case AT_NULL:
			return 0, false
		case tag:
			return v, true
		}
	}
	return 0, false
}

// ParsePid accepts a positive decimal pid.
func ParsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%q is not a pid", s)
	}
	return pid, nil
}
