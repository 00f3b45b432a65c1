// Package prowlertest builds a small synthetic guest for tests of the
// packages layered over a prowler session.
package prowlertest

import (
	"encoding/binary"
	"math"
	"testing"

	"guestscope/pkg/emu"
	"guestscope/pkg/layout"
	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
	"guestscope/pkg/prowler"
)

// MainText is where the guest's main image is mapped.
const MainText = 0x8000000

// Catalog describes the guest built by Guest.
const Catalog = `0102030405060708090a0b0c0d0e0f1000000000000000000000000000000000:
  version: "1.0.0"
  addrs:
    dot_note: 0x100
    get_id: 0x1000
    main_actor: 0x2000
  types:
    Actor:
      size: 0x20
      fields:
        - {name: id, offset: 0, type: u32}
        - {name: hp, offset: 4, type: f32}
        - {name: next, offset: 8, type: "Actor*"}
        - {name: name, offset: 0x10, type: "cstr*"}
`

// Guest maps one image holding an Actor at main_actor named "link" with
// id 7 and hp 12.5, and get_id, a function returning the u32 at x0.
func Guest(t testing.TB) *proc.Synthetic {
	t.Helper()
	img := make([]byte, 0x3000)
	le := binary.LittleEndian
	le.PutUint32(img[4:], 8)
	copy(img[8:], "MOD0")
	le.PutUint32(img[20:], uint32(len(img))-8)
	for i := 0; i < 16; i++ {
		img[0x110+i] = byte(i + 1)
	}

	le.PutUint32(img[0x1000:], 0xb9400000) // ldr w0, [x0]
	le.PutUint32(img[0x1004:], 0xd65f03c0) // ret

	le.PutUint32(img[0x2000:], 7)
	le.PutUint32(img[0x2004:], math.Float32bits(12.5))
	le.PutUint64(img[0x2010:], MainText+0x2100)
	copy(img[0x2100:], "link\x00")

	mem := proc.NewSynthetic()
	if err := mem.Map(MainText, img); err != nil {
		t.Fatal(err)
	}
	mem.SetImages([]proc.ImageInfo{{Name: "main", TextStart: MainText}})
	return mem
}

// New opens a quiet session over a fresh Guest.
func New(t testing.TB) *prowler.Prowler {
	t.Helper()
	cat, err := layout.Parse([]byte(Catalog))
	if err != nil {
		t.Fatal(err)
	}
	p, err := prowler.Open(Guest(t), cat, prowler.Options{
		Logger: logflags.Nop(),
		Emu:    emu.Options{Logger: logflags.Nop()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}
