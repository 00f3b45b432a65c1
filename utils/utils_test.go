package utils

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func auxv(words ...uint64) []byte {
	b := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return b
}

func TestAuxvLookup(t *testing.T) {
	v := auxv(AT_PHDR, 0x400040, AT_ENTRY, 0x401000, AT_NULL, 0, AT_BASE, 0x7f00)
	if got, ok := AuxvLookup(v, AT_ENTRY); !ok || got != 0x401000 {
		t.Errorf("AT_ENTRY = %#x, %v", got, ok)
	}
	if _, ok := AuxvLookup(v, AT_BASE); ok {
		t.Error("found a tag past AT_NULL")
	}
	if got, ok := AuxvLookup(v[:24], AT_ENTRY); ok {
		t.Errorf("truncated pair yielded %#x", got)
	}
}

func TestMatchesAny(t *testing.T) {
	names := []string{"main_actor", "main_world", "Actor", "get_id"}
	var got []string
	for _, name := range names {
		if MatchesAny(name, []string{"main_"}, []string{"_id"}) {
			got = append(got, name)
		}
	}
	if diff := cmp.Diff([]string{"main_actor", "main_world", "get_id"}, got); diff != "" {
		t.Errorf("matches (-want +got):\n%s", diff)
	}
}

func TestHexDump(t *testing.T) {
	got := HexDump(0x8002000, []byte("Actor\x00\x01\x02abcdefghijk"))
	want := "0x0008002000: 41 63 74 6f 72 00 01 02 61 62 63 64 65 66 67 68  |Actor...abcdefgh|\n" +
		"0x0008002010: 69 6a 6b                                         |ijk|\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dump (-want +got):\n%s", diff)
	}
}

func TestParsePid(t *testing.T) {
	for s, ok := range map[string]bool{"1": true, "4242": true, "0": false, "-3": false, "x1": false} {
		if _, err := ParsePid(s); (err == nil) != ok {
			t.Errorf("ParsePid(%q) = %v", s, err)
		}
	}
}
