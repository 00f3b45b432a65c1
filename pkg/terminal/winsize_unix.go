//go:build unix

package terminal

import "golang.org/x/sys/unix"

func terminalHeight(fd uintptr) int {
	ws, err := unix.IoctlGetWinsize(int(fd), unix.TIOCGWINSZ)
	if err != nil {
		return 0
	}
	return int(ws.Row)
}
