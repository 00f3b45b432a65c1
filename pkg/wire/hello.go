package wire

import (
	"encoding/binary"
	"fmt"

	e "guestscope/error"
	"guestscope/pkg/proc"
)

// Each image record is four (start, size) pairs for the image, text, rodata
// and data segments followed by a 16-byte build id.
const imageRecordSize = 8*8 + 16

func encodeImageInfos(images []proc.ImageInfo) []byte {
	b := make([]byte, 0, imageRecordSize*len(images))
	for _, ii := range images {
		for _, v := range []uint64{
			ii.ImageStart, ii.ImageSize,
			ii.TextStart, ii.TextSize,
			ii.RodataStart, ii.RodataSize,
			ii.DataStart, ii.DataSize,
		} {
			b = binary.LittleEndian.AppendUint64(b, v)
		}
		b = append(b, ii.BuildID[:]...)
	}
	return b
}

func decodeImageInfos(b []byte) ([]proc.ImageInfo, error) {
	if len(b)%imageRecordSize != 0 {
		return nil, &e.ProtocolError{Reason: fmt.Sprintf("hello of %d bytes is not a whole number of image records", len(b))}
	}
	var out []proc.ImageInfo
	for ; len(b) > 0; b = b[imageRecordSize:] {
		u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[8*i:]) }
		ii := proc.ImageInfo{
			ImageStart:  u(0),
			ImageSize:   u(1),
			TextStart:   u(2),
			TextSize:    u(3),
			RodataStart: u(4),
			RodataSize:  u(5),
			DataStart:   u(6),
			DataSize:    u(7),
		}
		copy(ii.BuildID[:], b[64:imageRecordSize])
		out = append(out, ii)
	}
	return out, nil
}
