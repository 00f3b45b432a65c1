package overlay

import (
	"bytes"

	e "guestscope/error"
)

const (
	cstringPiece  = 0x20
	cstringMaxLen = 1 << 20
)

// CString is a NUL-terminated byte string of unknown length.
type CString struct{}

var CStr = &CString{}

func (*CString) Name() string         { return "cstr" }
func (*CString) Kind() Kind           { return KindCString }
func (*CString) Size() (uint64, bool) { return 0, false }

// Read returns the bytes before the terminating NUL, or nil for a null
// address. Memory is read in aligned pieces so that a string ending just
// before an unmapped page can still be read.
func (*CString) Read(ctx *Context, addr uint64) ([]byte, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []byte
	cur := addr
	for {
		end := (cur + cstringPiece) &^ (cstringPiece - 1)
		piece, err := ctx.read(cur, end-cur)
		if err != nil {
			return nil, err
		}
		if i := bytes.IndexByte(piece, 0); i >= 0 {
			return append(out, piece[:i]...), nil
		}
		out = append(out, piece...)
		if len(out) > cstringMaxLen {
			return nil, &e.StructuralError{Addr: addr, Reason: "unterminated string"}
		}
		cur = end
	}
}
