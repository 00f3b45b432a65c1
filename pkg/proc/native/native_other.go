//go:build !linux

package native

import (
	"fmt"
	"runtime"

	e "guestscope/error"
)

func (p *Process) TryRead(addr, size uint64) ([]byte, error) {
	return nil, fmt.Errorf("reading process memory on %s: %w", runtime.GOOS, e.ErrNotSupported)
}

func (p *Process) TryWrite(addr uint64, data []byte) (int, error) {
	return 0, fmt.Errorf("writing process memory on %s: %w", runtime.GOOS, e.ErrNotSupported)
}
