package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	e "guestscope/error"
)

var memmonMagic = []byte("memmon\x00\x00")

const sampleHeaderSize = 16

// Sample is one decoded hose frame: the bytes of every monitored region, in
// registration order.
type Sample struct {
	ID     uint64
	Values [][]byte
}

func encodeSample(id uint64, values [][]byte) []byte {
	n := sampleHeaderSize
	for _, v := range values {
		n += len(v)
	}
	b := make([]byte, 0, n)
	b = append(b, memmonMagic...)
	b = binary.LittleEndian.AppendUint64(b, id)
	for _, v := range values {
		b = append(b, v...)
	}
	return b
}

// decodeSample checks a hose frame against the active subscription. Every
// failure is a ProtocolError; callers drop the frame and keep waiting.
func decodeSample(frame []byte, id uint64, regions []Region) (Sample, error) {
	if len(frame) < sampleHeaderSize || !bytes.Equal(frame[:8], memmonMagic) {
		return Sample{}, &e.ProtocolError{Reason: fmt.Sprintf("not a memmon frame: %q", truncate(frame, 24))}
	}
	got := binary.LittleEndian.Uint64(frame[8:])
	if got != id {
		return Sample{}, &e.ProtocolError{Reason: fmt.Sprintf("stale memmon frame for id %#x (active %#x)", got, id)}
	}
	body := frame[sampleHeaderSize:]
	var want uint64
	for _, r := range regions {
		want += r.Len
	}
	if uint64(len(body)) != want {
		return Sample{}, &e.ProtocolError{Reason: fmt.Sprintf("memmon frame carries %#x bytes, want %#x", len(body), want)}
	}
	s := Sample{ID: got, Values: make([][]byte, len(regions))}
	for i, r := range regions {
		s.Values[i] = body[:r.Len:r.Len]
		body = body[r.Len:]
	}
	return s, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
