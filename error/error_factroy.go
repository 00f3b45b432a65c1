package error

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed       = errors.New("connection closed")
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrStructural             = errors.New("structural inconsistency")
	ErrBuildIDMismatch        = errors.New("unable to guess build ID")
	ErrNotSettable            = errors.New("value is not settable")
	ErrUnknownType            = errors.New("unknown type")
	ErrUnknownSymbol          = errors.New("unknown symbol")
	ErrTookTooLong            = errors.New("took too long")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrNotSupported           = errors.New("operation not supported by backend")
)

// ShortTransferError is returned when a backend moved fewer bytes than requested.
type ShortTransferError struct {
	Addr  uint64
	Want  uint64
	Got   uint64
	Write bool
}

func (s *ShortTransferError) Error() string {
	op := "read"
	if s.Write {
		op = "write"
	}
	return fmt.Sprintf("short %s at %#x: wanted %#x bytes, got %#x", op, s.Addr, s.Want, s.Got)
}

// ProtocolError describes a malformed or unexpected wire frame.
type ProtocolError struct {
	Tag    uint32
	Reason string
}

func (p *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (tag %d): %s", p.Tag, p.Reason)
}

func (p *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// StructuralError reports guest data that contradicts its declared layout.
type StructuralError struct {
	Addr   uint64
	Reason string
}

func (s *StructuralError) Error() string {
	return fmt.Sprintf("structural inconsistency at %#x: %s", s.Addr, s.Reason)
}

func (s *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// RemoteError carries the text of an error frame sent by an agent.
type RemoteError struct {
	Tag     uint32
	Message string
}

func (r *RemoteError) Error() string {
	return fmt.Sprintf("agent error (tag %d): %q", r.Tag, r.Message)
}

// ConnectionClosed wraps cause so that errors.Is(err, ErrConnectionClosed) holds.
func ConnectionClosed(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		if cause == nil {
			return ErrConnectionClosed
		}
		return cause
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
}

// OutOfRange builds the structural error for an invalid array index.
func OutOfRange(addr uint64, index, count int) error {
	return &StructuralError{Addr: addr, Reason: fmt.Sprintf("index %d out of range [0, %d)", index, count)}
}
