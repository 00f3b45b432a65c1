package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var mod0Magic = []byte("MOD0")

// ImageInfo describes one loaded module of the guest.
type ImageInfo struct {
	Name        string
	ImageStart  uint64
	ImageSize   uint64
	TextStart   uint64
	TextSize    uint64
	RodataStart uint64
	RodataSize  uint64
	DataStart   uint64
	DataSize    uint64
	BuildID     [16]byte
}

func (ii *ImageInfo) ImageEnd() uint64 { return ii.ImageStart + ii.ImageSize }

// Contains reports whether addr is inside the image bounds.
func (ii *ImageInfo) Contains(addr uint64) bool {
	return addr >= ii.ImageStart && addr-ii.ImageStart < ii.ImageSize
}

func (ii *ImageInfo) String() string {
	name := ii.Name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s [%#x, %#x)", name, ii.ImageStart, ii.ImageEnd())
}

// ModuleHeader is the MOD0 block a module's text points at from text+4.
type ModuleHeader struct {
	Addr       uint64
	DynamicOff uint32
	BssStart   uint32
	BssEnd     uint32
}

// ReadModuleHeader locates and decodes the MOD0 header of the module whose
// text begins at textStart.
func ReadModuleHeader(mem Memory, textStart uint64) (*ModuleHeader, error) {
	initial, err := Read(mem, textStart, 24)
	if err != nil {
		return nil, err
	}

	off := binary.LittleEndian.Uint32(initial[4:8])
	addr := textStart + uint64(off)
	var raw []byte
	if off == 8 {
		raw = initial[8:24]
	} else if raw, err = Read(mem, addr, 16); err != nil {
		return nil, err
	}

	if !bytes.Equal(raw[:4], mod0Magic) {
		return nil, fmt.Errorf("no MOD0 header at %#x (found %q)", addr, raw[:4])
	}

	return &ModuleHeader{
		Addr:       addr,
		DynamicOff: binary.LittleEndian.Uint32(raw[4:8]),
		BssStart:   binary.LittleEndian.Uint32(raw[8:12]),
		BssEnd:     binary.LittleEndian.Uint32(raw[12:16]),
	}, nil
}

// LoadImageBounds fills in ImageStart/ImageSize for images whose backend did
// not report them, using the MOD0 bss end as the image end.
func LoadImageBounds(mem Memory, images []ImageInfo) ([]ImageInfo, error) {
	r := make([]ImageInfo, 0, len(images))
	for _, ii := range images {
		if ii.ImageSize == 0 {
			hdr, err := ReadModuleHeader(mem, ii.TextStart)
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", ii.Name, err)
			}
			ii.ImageStart = ii.TextStart
			ii.ImageSize = hdr.Addr + uint64(hdr.BssEnd) - ii.TextStart
		}
		r = append(r, ii)
	}
	return r, nil
}

// FindImage returns the image containing addr.
func FindImage(images []ImageInfo, addr uint64) (*ImageInfo, bool) {
	if addr == 0 {
		return nil, false
	}
	for i := range images {
		if images[i].Contains(addr) {
			return &images[i], true
		}
	}
	return nil, false
}
