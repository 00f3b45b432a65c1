//go:build linux

package native

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"guestscope/pkg/proc"
)

func self(t *testing.T) *Process {
	t.Helper()
	p, err := Attach(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func addrOf(b []byte) uint64 { return uint64(uintptr(unsafe.Pointer(&b[0]))) }

func TestReadWriteSelf(t *testing.T) {
	p := self(t)
	buf := bytes.Repeat([]byte("guestscope"), 1000)
	addr := addrOf(buf)

	got, err := proc.Read(p, addr, uint64(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("read back different bytes")
	}

	if err := proc.Write(p, addr+3, []byte("XYZ")); err != nil {
		t.Fatal(err)
	}
	if string(buf[:8]) != "gueXYZco" {
		t.Errorf("after write: %q", buf[:8])
	}
}

func TestPartialReadAtUnmappedPage(t *testing.T) {
	mem, err := unix.Mmap(-1, 0, 2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)
	if err := unix.Mprotect(mem[pageSize:], unix.PROT_NONE); err != nil {
		t.Fatal(err)
	}
	copy(mem[pageSize-4:], "tail")

	p := self(t)
	got, err := p.TryRead(addrOf(mem)+pageSize-4, 16)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tail" {
		t.Errorf("partial read = %q", got)
	}

	got, err = p.TryRead(addrOf(mem)+pageSize, 16)
	if err != nil || len(got) != 0 {
		t.Errorf("read of protected page = %q, %v", got, err)
	}

	n, err := p.TryWrite(addrOf(mem)+pageSize-2, []byte("abcd"))
	if err != nil || n != 2 {
		t.Errorf("partial write = %d, %v", n, err)
	}
}

func TestRemoteIovecs(t *testing.T) {
	iov := remoteIovecs(0x10ff0, 0x2020)
	var lens []int
	for _, v := range iov {
		lens = append(lens, v.Len)
	}
	want := []int{0x10, 0x1000, 0x1000, 0x10}
	if len(lens) != len(want) {
		t.Fatalf("lens = %#x", lens)
	}
	for i := range want {
		if lens[i] != want[i] {
			t.Errorf("iov %d len %#x, want %#x", i, lens[i], want[i])
		}
	}
	if iov[1].Base != 0x11000 {
		t.Errorf("second iov at %#x", iov[1].Base)
	}
	if n := len(remoteIovecs(0, 4096*maxIov*2)); n != maxIov {
		t.Errorf("%d iovecs, want the IOV_MAX cap", n)
	}
}

func TestImagesOfSelf(t *testing.T) {
	images, err := self(t).ExtractImageInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) == 0 {
		t.Fatal("no images")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	if images[0].TextStart == 0 || images[0].ImageSize == 0 {
		t.Errorf("first image %v", images[0].String())
	}
	found := false
	for _, ii := range images {
		if ii.Name != "" && bytes.HasSuffix([]byte(exe), []byte(ii.Name)) {
			found = true
		}
	}
	if !found {
		t.Errorf("test binary %s not among %d images", exe, len(images))
	}
}
