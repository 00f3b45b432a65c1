// Package wire implements the framed request/response protocol spoken between
// guestscope and an in-guest agent, plus the push-only "hose" stream used for
// memory monitoring.
//
// Every frame starts with a 32-byte little-endian Header, followed by
// ObjectCount 32-bit object ids and PayloadSize bytes of payload. A
// connection is bound to one logical channel by the hello frame that opens
// it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	e "guestscope/error"
)

const HeaderSize = 32

// MaxPayload bounds the payload a peer may announce.
const MaxPayload = 64 << 20

const maxObjects = 64

// Channel object ids, carried by the hello frame.
const (
	ChannelRPC  uint32 = 1
	ChannelHose uint32 = 2
)

// Request command ids. The first payload byte of every request repeats it.
const (
	CmdHello            uint32 = 0
	CmdRead             uint32 = 1
	CmdWrite            uint32 = 2
	CmdSetFlags         uint32 = 4
	CmdSetMonitorConfig uint32 = 5
)

// Response result codes, carried in CommandID.
const (
	ResultOK    uint32 = 0
	ResultError uint32 = 1
)

type Header struct {
	DeviceID    uint32
	ObjectID    uint32
	CommandID   uint32
	Tag         uint32
	PayloadSize uint64
	ObjectCount uint32
	Pad         uint32
}

func (h *Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.DeviceID)
	binary.LittleEndian.PutUint32(b[4:], h.ObjectID)
	binary.LittleEndian.PutUint32(b[8:], h.CommandID)
	binary.LittleEndian.PutUint32(b[12:], h.Tag)
	binary.LittleEndian.PutUint64(b[16:], h.PayloadSize)
	binary.LittleEndian.PutUint32(b[24:], h.ObjectCount)
	binary.LittleEndian.PutUint32(b[28:], h.Pad)
}

func (h *Header) decode(b []byte) {
	h.DeviceID = binary.LittleEndian.Uint32(b[0:])
	h.ObjectID = binary.LittleEndian.Uint32(b[4:])
	h.CommandID = binary.LittleEndian.Uint32(b[8:])
	h.Tag = binary.LittleEndian.Uint32(b[12:])
	h.PayloadSize = binary.LittleEndian.Uint64(b[16:])
	h.ObjectCount = binary.LittleEndian.Uint32(b[24:])
	h.Pad = binary.LittleEndian.Uint32(b[28:])
}

// Message is one frame.
type Message struct {
	Header
	Objects []uint32
	Payload []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("object=%d command=%d tag=%d payload=%#x", m.ObjectID, m.CommandID, m.Tag, len(m.Payload))
}

// WriteMessage serializes m with a single Write so that concurrent writers
// holding a lock never interleave partial frames.
func WriteMessage(w io.Writer, m *Message) error {
	m.PayloadSize = uint64(len(m.Payload))
	m.ObjectCount = uint32(len(m.Objects))
	buf := make([]byte, HeaderSize+4*len(m.Objects)+len(m.Payload))
	m.Header.encode(buf)
	off := HeaderSize
	for _, id := range m.Objects {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}
	copy(buf[off:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one frame. I/O failures are returned as they are; a
// header announcing more than MaxPayload is a ProtocolError.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	m := &Message{}
	m.Header.decode(hdr[:])
	if m.PayloadSize > MaxPayload {
		return nil, &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("payload of %#x bytes exceeds %#x", m.PayloadSize, MaxPayload)}
	}
	if m.ObjectCount > maxObjects {
		return nil, &e.ProtocolError{Tag: m.Tag, Reason: fmt.Sprintf("%d object ids", m.ObjectCount)}
	}
	if m.ObjectCount > 0 {
		raw := make([]byte, 4*m.ObjectCount)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		m.Objects = make([]uint32, m.ObjectCount)
		for i := range m.Objects {
			m.Objects[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
	}
	m.Payload = make([]byte, m.PayloadSize)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return nil, err
	}
	return m, nil
}
