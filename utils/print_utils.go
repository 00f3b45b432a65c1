package utils

import (
	"fmt"
	"strings"

	"guestscope/pkg/proc/desc"
)

func PrintVariable(v *desc.Variable) {
	if v == nil {
		return
	}

	fmt.Printf("%s: %s\n", v.Name, v.MultilineString("", ""))
}

func PrintStringLine(s ...string) {
	for _, str := range s {
		fmt.Println(str)
	}
}

func PrintBytes(addr uint64, bs []byte) {
	fmt.Print(HexDump(addr, bs))
}

// HexDump renders bs sixteen bytes per line, each line prefixed with the
// guest address of its first byte.
func HexDump(addr uint64, bs []byte) string {
	var b strings.Builder
	for off := 0; off < len(bs); off += 16 {
		line := bs[off:min(off+16, len(bs))]
		fmt.Fprintf(&b, "0x%010x: % x", addr+uint64(off), line)
		b.WriteString(strings.Repeat("   ", 16-len(line)))
		b.WriteString("  |")
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}
