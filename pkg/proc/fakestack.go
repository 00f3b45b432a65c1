package proc

import (
	"fmt"

	e "guestscope/error"
)

const (
	FakeStackLow  = 0x2000
	FakeStackHigh = 0x10000
)

// FakeStack substitutes a zero-filled region for reads that fall entirely in
// (FakeStackLow, FakeStackHigh]; everything else goes to the backing memory.
// It is meant to sit beneath an overlay cache, so writes are refused.
type FakeStack struct {
	Backing Memory
}

func NewFakeStack(backing Memory) *FakeStack {
	return &FakeStack{Backing: backing}
}

func (f *FakeStack) TryRead(addr, size uint64) ([]byte, error) {
	if addr > FakeStackLow && size <= FakeStackHigh && addr <= FakeStackHigh-size {
		return make([]byte, size), nil
	}
	return f.Backing.TryRead(addr, size)
}

func (f *FakeStack) TryWrite(addr uint64, data []byte) (int, error) {
	return 0, fmt.Errorf("write of %#x bytes at %#x below a fake stack: %w", len(data), addr, e.ErrNotSupported)
}
