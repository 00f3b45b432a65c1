package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	e "guestscope/error"
)

func TestSyntheticGaps(t *testing.T) {
	s := NewSynthetic()
	if err := s.Map(0x1000, bytes.Repeat([]byte{0xaa}, 0x10)); err != nil {
		t.Fatal(err)
	}
	if err := s.Map(0x1010, bytes.Repeat([]byte{0xbb}, 0x10)); err != nil {
		t.Fatal(err)
	}
	if err := s.MapReadOnly(0x2000, []byte("rodata")); err != nil {
		t.Fatal(err)
	}

	data, err := s.TryRead(0x1008, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	want := append(bytes.Repeat([]byte{0xaa}, 8), bytes.Repeat([]byte{0xbb}, 0x10)...)
	if !bytes.Equal(data, want) {
		t.Errorf("read across adjacent regions = %x", data)
	}

	if data, _ := s.TryRead(0x3000, 4); len(data) != 0 {
		t.Errorf("read from a hole returned %x", data)
	}

	n, err := s.TryWrite(0x101c, []byte{1, 2, 3, 4, 5, 6})
	if err != nil || n != 4 {
		t.Errorf("write past the end accepted %d bytes, %v", n, err)
	}
	if n, _ := s.TryWrite(0x2000, []byte("x")); n != 0 {
		t.Errorf("read-only region accepted %d bytes", n)
	}

	if err := s.Map(0x100f, []byte{0, 0}); err == nil {
		t.Errorf("overlapping map succeeded")
	}
	if err := s.MapZero(^uint64(0)-1, 4); err == nil {
		t.Errorf("wrapping map succeeded")
	}
}

func TestReadWriteStrict(t *testing.T) {
	s := NewSynthetic()
	if err := s.MapZero(0x1000, 0x10); err != nil {
		t.Fatal(err)
	}

	_, err := Read(s, 0x100c, 8)
	var st *e.ShortTransferError
	if !errors.As(err, &st) {
		t.Fatalf("Read error = %v, want ShortTransferError", err)
	}
	if diff := cmp.Diff(e.ShortTransferError{Addr: 0x100c, Want: 8, Got: 4}, *st); diff != "" {
		t.Errorf("short read mismatch (-want +got):\n%s", diff)
	}

	err = Write(s, 0x100e, []byte{1, 2, 3})
	if !errors.As(err, &st) || !st.Write || st.Got != 2 {
		t.Errorf("Write error = %v", err)
	}

	if err := WriteUint64(s, 0x1000, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if err := WriteUint32(s, 0x1008, 0xcafef00d); err != nil {
		t.Fatal(err)
	}
	v64, _ := ReadUint64(s, 0x1000)
	v32, _ := ReadUint32(s, 0x1008)
	v16, _ := ReadUint16(s, 0x1008)
	v8, _ := ReadUint8(s, 0x1000)
	if v64 != 0x1122334455667788 || v32 != 0xcafef00d || v16 != 0xf00d || v8 != 0x88 {
		t.Errorf("typed reads = %#x %#x %#x %#x", v64, v32, v16, v8)
	}
}

func TestClampSize(t *testing.T) {
	top := ^uint64(0)
	for _, c := range []struct{ addr, size, want uint64 }{
		{0, 0x10, 0x10},
		{top - 0x10, 0x100, 0x10},
		{top, 1, 0},
	} {
		if got := ClampSize(c.addr, c.size); got != c.want {
			t.Errorf("ClampSize(%#x, %#x) = %#x, want %#x", c.addr, c.size, got, c.want)
		}
	}
}

func TestFakeStack(t *testing.T) {
	s := NewSynthetic()
	if err := s.Map(0x1ff0, bytes.Repeat([]byte{0x55}, 0x20)); err != nil {
		t.Fatal(err)
	}
	fs := NewFakeStack(s)

	for _, c := range []struct {
		addr, size uint64
		zeros      bool
	}{
		{0x2001, 0x10, true},
		{0xfff0, 0x10, true},
		{0x2000, 0x10, false},
		{0xfff8, 0x10, false},
		{0x1ff0, 0x20, false},
	} {
		data, err := fs.TryRead(c.addr, c.size)
		if err != nil {
			t.Fatal(err)
		}
		isZeros := uint64(len(data)) == c.size && bytes.Equal(data, make([]byte, c.size))
		if isZeros != c.zeros {
			t.Errorf("read %#x+%#x = %x, fake stack %v", c.addr, c.size, data, c.zeros)
		}
	}

	if _, err := fs.TryWrite(0x3000, []byte{1}); !errors.Is(err, e.ErrNotSupported) {
		t.Errorf("write error = %v", err)
	}
}

func mod0Image(t *testing.T, s *Synthetic, text uint64, headerOff, bssEnd uint32) {
	t.Helper()
	buf := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(buf[4:], headerOff)
	copy(buf[headerOff:], "MOD0")
	binary.LittleEndian.PutUint32(buf[headerOff+4:], 0x40)
	binary.LittleEndian.PutUint32(buf[headerOff+8:], 0x80)
	binary.LittleEndian.PutUint32(buf[headerOff+12:], bssEnd)
	if err := s.Map(text, buf); err != nil {
		t.Fatal(err)
	}
}

func TestLoadImageBounds(t *testing.T) {
	s := NewSynthetic()
	mod0Image(t, s, 0x7100000000, 8, 0x5000)
	mod0Image(t, s, 0x7200000000, 0x40, 0x3000)

	images, err := LoadImageBounds(s, []ImageInfo{
		{Name: "main", TextStart: 0x7100000000},
		{Name: "sdk", TextStart: 0x7200000000},
		{Name: "known", TextStart: 0x7300000000, ImageStart: 0x7300000000, ImageSize: 0x1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	var got [][2]uint64
	for _, ii := range images {
		got = append(got, [2]uint64{ii.ImageStart, ii.ImageSize})
	}
	want := [][2]uint64{
		{0x7100000000, 0x5008},
		{0x7200000000, 0x3040},
		{0x7300000000, 0x1000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bounds mismatch (-want +got):\n%s", diff)
	}

	ii, ok := FindImage(images, 0x7200003000)
	if !ok || ii.Name != "sdk" {
		t.Errorf("FindImage = %v, %v", ii, ok)
	}
	if _, ok := FindImage(images, 0x7100005008); ok {
		t.Errorf("FindImage matched the first byte past an image")
	}
	if _, ok := FindImage(images, 0); ok {
		t.Errorf("FindImage matched null")
	}
}

func TestModuleHeaderMissing(t *testing.T) {
	s := NewSynthetic()
	if err := s.MapZero(0x8000, 0x100); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadModuleHeader(s, 0x8000); err == nil {
		t.Errorf("zeroed text parsed as a module")
	}
}
