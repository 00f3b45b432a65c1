package wire

import (
	"encoding/binary"
	"fmt"

	e "guestscope/error"
)

// Region is one monitored span.
type Region struct {
	Addr uint64
	Len  uint64
}

func (r Region) String() string {
	return fmt.Sprintf("%#x+%#x", r.Addr, r.Len)
}

const (
	rwHeaderSize    = 1 + 8 + 8
	writeHeaderSize = 1 + 8
	regionSize      = 8 + 8
)

func encodeRead(addr, size uint64) []byte {
	b := make([]byte, rwHeaderSize)
	b[0] = byte(CmdRead)
	binary.LittleEndian.PutUint64(b[1:], addr)
	binary.LittleEndian.PutUint64(b[9:], size)
	return b
}

func encodeWrite(addr uint64, data []byte) []byte {
	b := make([]byte, writeHeaderSize+len(data))
	b[0] = byte(CmdWrite)
	binary.LittleEndian.PutUint64(b[1:], addr)
	copy(b[writeHeaderSize:], data)
	return b
}

func encodeSetFlags(clear, set Flags) []byte {
	b := make([]byte, rwHeaderSize)
	b[0] = byte(CmdSetFlags)
	binary.LittleEndian.PutUint64(b[1:], uint64(clear))
	binary.LittleEndian.PutUint64(b[9:], uint64(set))
	return b
}

func encodeSetMonitorConfig(id uint64, regions []Region) []byte {
	b := make([]byte, rwHeaderSize+regionSize*len(regions))
	b[0] = byte(CmdSetMonitorConfig)
	binary.LittleEndian.PutUint64(b[1:], id)
	binary.LittleEndian.PutUint64(b[9:], uint64(len(regions)))
	off := rwHeaderSize
	for _, r := range regions {
		binary.LittleEndian.PutUint64(b[off:], r.Addr)
		binary.LittleEndian.PutUint64(b[off+8:], r.Len)
		off += regionSize
	}
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeU64(tag uint32, what string, b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, &e.ProtocolError{Tag: tag, Reason: fmt.Sprintf("%s response of %d bytes, want 8", what, len(b))}
	}
	return binary.LittleEndian.Uint64(b), nil
}

// request is a decoded request payload, as the agent sees it.
type request struct {
	cmd     uint32
	addr    uint64
	size    uint64
	data    []byte
	clear   Flags
	set     Flags
	id      uint64
	regions []Region
}

func decodeRequest(m *Message) (*request, error) {
	p := m.Payload
	bad := func(reason string, args ...any) error {
		return &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf(reason, args...)}
	}
	if len(p) == 0 {
		return nil, bad("empty request")
	}
	if uint32(p[0]) != m.CommandID {
		return nil, bad("payload type %d disagrees with command %d", p[0], m.CommandID)
	}

	r := &request{cmd: m.CommandID}
	switch m.CommandID {
	case CmdRead:
		if len(p) != rwHeaderSize {
			return nil, bad("read request of %d bytes", len(p))
		}
		r.addr = binary.LittleEndian.Uint64(p[1:])
		r.size = binary.LittleEndian.Uint64(p[9:])
	case CmdWrite:
		if len(p) < writeHeaderSize {
			return nil, bad("write request of %d bytes", len(p))
		}
		r.addr = binary.LittleEndian.Uint64(p[1:])
		r.data = p[writeHeaderSize:]
	case CmdSetFlags:
		if len(p) != rwHeaderSize {
			return nil, bad("set flags request of %d bytes", len(p))
		}
		r.clear = Flags(binary.LittleEndian.Uint64(p[1:]))
		r.set = Flags(binary.LittleEndian.Uint64(p[9:]))
	case CmdSetMonitorConfig:
		if len(p) < rwHeaderSize {
			return nil, bad("monitor config request of %d bytes", len(p))
		}
		r.id = binary.LittleEndian.Uint64(p[1:])
		n := binary.LittleEndian.Uint64(p[9:])
		if uint64(len(p)-rwHeaderSize) != n*regionSize {
			return nil, bad("monitor config announces %d regions in %d bytes", n, len(p))
		}
		for off := rwHeaderSize; off < len(p); off += regionSize {
			r.regions = append(r.regions, Region{
				Addr: binary.LittleEndian.Uint64(p[off:]),
				Len:  binary.LittleEndian.Uint64(p[off+8:]),
			})
		}
	default:
		return nil, bad("unknown command %d", m.CommandID)
	}
	return r, nil
}
