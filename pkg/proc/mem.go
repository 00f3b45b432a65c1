package proc

import (
	"encoding/binary"

	e "guestscope/error"
)

// Memory is the byte-level contract every guest backend satisfies.
//
// TryRead returns at most size bytes; fewer signals that the tail of the
// range could not be read. TryWrite reports how many leading bytes were
// accepted. A non-nil error means the transport itself failed (for example
// the connection to a remote agent went away), not that the range was
// inaccessible.
type Memory interface {
	TryRead(addr, size uint64) ([]byte, error)
	TryWrite(addr uint64, data []byte) (int, error)
}

// ImageInfoSource is implemented by backends that can enumerate loaded images.
type ImageInfoSource interface {
	ExtractImageInfo() ([]ImageInfo, error)
}

// Read is TryRead that fails with a ShortTransferError on a partial read.
func Read(m Memory, addr, size uint64) ([]byte, error) {
	data, err := m.TryRead(addr, size)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, &e.ShortTransferError{Addr: addr, Want: size, Got: uint64(len(data))}
	}
	return data, nil
}

// Write is TryWrite that fails with a ShortTransferError on a partial write.
func Write(m Memory, addr uint64, data []byte) error {
	n, err := m.TryWrite(addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return &e.ShortTransferError{Addr: addr, Want: uint64(len(data)), Got: uint64(n), Write: true}
	}
	return nil
}

func ReadUint8(m Memory, addr uint64) (uint8, error) {
	b, err := Read(m, addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func ReadUint16(m Memory, addr uint64) (uint16, error) {
	b, err := Read(m, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func ReadUint32(m Memory, addr uint64) (uint32, error) {
	b, err := Read(m, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func ReadUint64(m Memory, addr uint64) (uint64, error) {
	b, err := Read(m, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func WriteUint32(m Memory, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return Write(m, addr, b[:])
}

func WriteUint64(m Memory, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return Write(m, addr, b[:])
}

// ClampSize trims size so that addr+size does not wrap past the top of the
// address space.
func ClampSize(addr, size uint64) uint64 {
	if room := ^uint64(0) - addr; size > room {
		return room
	}
	return size
}
