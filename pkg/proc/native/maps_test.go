package native

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"guestscope/pkg/proc"
)

const sampleMaps = `55d0c0a00000-55d0c0a02000 r--p 00000000 fd:01 1311 /usr/bin/yuzu
55d0c0a02000-55d0c0a08000 r-xp 00002000 fd:01 1311 /usr/bin/yuzu
55d0c0a08000-55d0c0a0a000 rw-p 00008000 fd:01 1311 /usr/bin/yuzu
55d0c1000000-55d0c1021000 rw-p 00000000 00:00 0 [heap]
7f0000000000-7f0000100000 rw-p 00000000 00:00 0
7f1000000000-7f1000001000 r--p 00000000 fd:01 2222 /usr/share/fonts/a font.ttf
7f2000000000-7f2000020000 r-xp 00000000 fd:01 3333 /lib/libc.so.6
7f2000020000-7f2000022000 r--p 00020000 fd:01 3333 /lib/libc.so.6
`

func TestParseMaps(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 8 {
		t.Fatalf("got %d regions", len(regions))
	}
	want := MemoryRegion{
		Start:  0x55d0c0a02000,
		End:    0x55d0c0a08000,
		Perms:  "r-xp",
		Offset: 0x2000,
		Device: "fd:01",
		Inode:  1311,
		Path:   "/usr/bin/yuzu",
	}
	if diff := cmp.Diff(want, regions[1]); diff != "" {
		t.Errorf("region (-want +got):\n%s", diff)
	}
	if regions[5].Path != "/usr/share/fonts/a font.ttf" {
		t.Errorf("path with space = %q", regions[5].Path)
	}
	if regions[4].Path != "" || !regions[4].Readable() || regions[4].Executable() {
		t.Errorf("anonymous region = %+v", regions[4])
	}

	if _, err := ParseMaps(strings.NewReader("zzzz-1 r--p 0 0 0\n")); err == nil {
		t.Error("bad range parsed")
	}
	if _, err := ParseMaps(strings.NewReader("1000-2000 r--p\n")); err == nil {
		t.Error("short line parsed")
	}
}

func TestImages(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatal(err)
	}
	want := []proc.ImageInfo{
		{Name: "yuzu", ImageStart: 0x55d0c0a00000, ImageSize: 0xa000, TextStart: 0x55d0c0a02000},
		{Name: "libc.so.6", ImageStart: 0x7f2000000000, ImageSize: 0x22000, TextStart: 0x7f2000000000},
	}
	if diff := cmp.Diff(want, Images(regions)); diff != "" {
		t.Errorf("images (-want +got):\n%s", diff)
	}
}
