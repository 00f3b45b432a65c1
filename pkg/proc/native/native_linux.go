//go:build linux

package native

import (
	"errors"

	"golang.org/x/sys/unix"

	e "guestscope/error"
	"guestscope/pkg/proc"
)

const (
	pageSize = 0x1000
	// maxIov is the kernel's IOV_MAX.
	maxIov = 1024
)

func (p *Process) TryRead(addr, size uint64) ([]byte, error) {
	buf := make([]byte, proc.ClampSize(addr, size))
	n, err := p.transfer(buf, addr, false)
	return buf[:n], err
}

func (p *Process) TryWrite(addr uint64, data []byte) (int, error) {
	data = data[:proc.ClampSize(addr, uint64(len(data)))]
	n, err := p.transfer(data, addr, true)
	return int(n), err
}

// transfer moves data in batches of page sized remote iovecs, since the
// kernel only reports partial transfers at iovec granularity. It stops at
// the first page that cannot be accessed.
func (p *Process) transfer(data []byte, addr uint64, write bool) (uint64, error) {
	var done uint64
	for done < uint64(len(data)) {
		remote := remoteIovecs(addr+done, uint64(len(data))-done)
		var want uint64
		for _, r := range remote {
			want += uint64(r.Len)
		}
		local := []unix.Iovec{{Base: &data[done]}}
		local[0].SetLen(int(want))

		var n int
		var err error
		if write {
			n, err = unix.ProcessVMWritev(p.pid, local, remote, 0)
		} else {
			n, err = unix.ProcessVMReadv(p.pid, local, remote, 0)
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO), errors.Is(err, unix.ENOMEM):
				return done, nil
			case errors.Is(err, unix.ESRCH):
				return done, e.ConnectionClosed(err)
			}
			return done, err
		}
		done += uint64(n)
		if uint64(n) < want {
			break
		}
	}
	return done, nil
}

func remoteIovecs(addr, size uint64) []unix.RemoteIovec {
	var iov []unix.RemoteIovec
	for size > 0 && len(iov) < maxIov {
		n := pageSize - addr%pageSize
		if n > size {
			n = size
		}
		iov = append(iov, unix.RemoteIovec{Base: uintptr(addr), Len: int(n)})
		addr += n
		size -= n
	}
	return iov
}
