package overlay

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Primitive is a little-endian integer or IEEE float of a fixed width.
type Primitive struct {
	name   string
	width  uint64
	signed bool
	float  bool
}

var (
	U8    = &Primitive{name: "u8", width: 1}
	U16   = &Primitive{name: "u16", width: 2}
	U32   = &Primitive{name: "u32", width: 4}
	U64   = &Primitive{name: "u64", width: 8}
	S8    = &Primitive{name: "s8", width: 1, signed: true}
	S16   = &Primitive{name: "s16", width: 2, signed: true}
	S32   = &Primitive{name: "s32", width: 4, signed: true}
	S64   = &Primitive{name: "s64", width: 8, signed: true}
	F32   = &Primitive{name: "f32", width: 4, float: true}
	F64   = &Primitive{name: "f64", width: 8, float: true}
	Usize = &Primitive{name: "usize", width: 8}
)

// Primitives indexes the built-in primitive types by name.
var Primitives = map[string]*Primitive{
	"u8": U8, "u16": U16, "u32": U32, "u64": U64,
	"s8": S8, "s16": S16, "s32": S32, "s64": S64,
	"f32": F32, "f64": F64, "usize": Usize,
}

func (p *Primitive) Name() string         { return p.name }
func (p *Primitive) Kind() Kind           { return KindPrimitive }
func (p *Primitive) Size() (uint64, bool) { return p.width, true }
func (p *Primitive) Signed() bool         { return p.signed }
func (p *Primitive) Float() bool          { return p.float }

func (p *Primitive) Decode(data []byte) (any, error) {
	if uint64(len(data)) != p.width {
		return nil, fmt.Errorf("%s: decode needs %d bytes, got %d", p.name, p.width, len(data))
	}
	switch {
	case p.float && p.width == 4:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case p.float:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	}

	switch p.width {
	case 1:
		if p.signed {
			return int8(data[0]), nil
		}
		return data[0], nil
	case 2:
		v := binary.LittleEndian.Uint16(data)
		if p.signed {
			return int16(v), nil
		}
		return v, nil
	case 4:
		v := binary.LittleEndian.Uint32(data)
		if p.signed {
			return int32(v), nil
		}
		return v, nil
	default:
		v := binary.LittleEndian.Uint64(data)
		if p.signed {
			return int64(v), nil
		}
		return v, nil
	}
}

func (p *Primitive) Encode(v any) ([]byte, error) {
	buf := make([]byte, p.width)
	if p.float {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		if p.width == 4 {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		}
		return buf, nil
	}

	var bits uint64
	if p.signed {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		shift := 64 - 8*p.width
		if n<<shift>>shift != n {
			return nil, fmt.Errorf("%s: %d out of range", p.name, n)
		}
		bits = uint64(n)
	} else {
		n, err := toUint(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		if p.width < 8 && n>>(8*p.width) != 0 {
			return nil, fmt.Errorf("%s: %d out of range", p.name, n)
		}
		bits = n
	}

	switch p.width {
	case 1:
		buf[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(bits))
	default:
		binary.LittleEndian.PutUint64(buf, bits)
	}
	return buf, nil
}

// Parse converts the textual form of a value (decimal, 0x hex, float) into a
// value Encode accepts.
func (p *Primitive) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch {
	case p.float:
		return strconv.ParseFloat(s, 64)
	case p.signed:
		return strconv.ParseInt(s, 0, 64)
	default:
		return strconv.ParseUint(s, 0, 64)
	}
}

// Format renders a decoded value for display.
func (p *Primitive) Format(v any) string {
	switch x := v.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	if p == Usize {
		return fmt.Sprintf("%#x", v)
	}
	return fmt.Sprint(v)
}

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case uint:
		return uint64(x), nil
	case uintptr:
		return uint64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d for unsigned type", n)
	}
	return uint64(n), nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows a signed value", x)
		}
		return int64(x), nil
	}
	return 0, fmt.Errorf("cannot encode %T as an integer", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	}
	if n, err := toInt(v); err == nil {
		return float64(n), nil
	}
	return 0, fmt.Errorf("cannot encode %T as a float", v)
}
