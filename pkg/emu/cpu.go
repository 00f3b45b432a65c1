// Package emu runs short stretches of guest ARM64 code against a
// copy-on-write view of guest memory, to compute values only a guest
// function knows (virtual getters and the like).
package emu

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	e "guestscope/error"
)

// CPU is the architectural state the interpreter models: general purpose
// registers, SP, PC, the NZCV flags and the low 64 bits of each SIMD&FP
// register.
type CPU struct {
	X  [31]uint64
	SP uint64
	PC uint64
	V  [32]uint64

	N, Z, C, VF bool
}

// Register names in trace order.
var RegNames = func() []string {
	names := make([]string, 0, 31+1+32)
	for i := 0; i < 31; i++ {
		names = append(names, "x"+strconv.Itoa(i))
	}
	names = append(names, "sp")
	for i := 0; i < 32; i++ {
		names = append(names, "s"+strconv.Itoa(i))
	}
	return names
}()

func parseIndex(name, prefix string, n int) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	i, err := strconv.Atoi(name[len(prefix):])
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

// Reg reads a register by name: x0..x30, lr, sp, pc, w0..w30, s0..s31 (raw
// float32 bits) or d0..d31 (raw float64 bits).
func (c *CPU) Reg(name string) (uint64, error) {
	name = strings.ToLower(name)
	switch name {
	case "sp":
		return c.SP, nil
	case "pc":
		return c.PC, nil
	case "lr":
		return c.X[30], nil
	}
	if i, ok := parseIndex(name, "x", 31); ok {
		return c.X[i], nil
	}
	if i, ok := parseIndex(name, "w", 31); ok {
		return uint64(uint32(c.X[i])), nil
	}
	if i, ok := parseIndex(name, "s", 32); ok {
		return uint64(uint32(c.V[i])), nil
	}
	if i, ok := parseIndex(name, "d", 32); ok {
		return c.V[i], nil
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// SetReg writes a register by name. Writing a w or s register clears the
// upper half, as the hardware does.
func (c *CPU) SetReg(name string, v uint64) error {
	name = strings.ToLower(name)
	switch name {
	case "sp":
		c.SP = v
		return nil
	case "pc":
		c.PC = v
		return nil
	case "lr":
		c.X[30] = v
		return nil
	}
	if i, ok := parseIndex(name, "x", 31); ok {
		c.X[i] = v
		return nil
	}
	if i, ok := parseIndex(name, "w", 31); ok {
		c.X[i] = uint64(uint32(v))
		return nil
	}
	if i, ok := parseIndex(name, "s", 32); ok {
		c.V[i] = uint64(uint32(v))
		return nil
	}
	if i, ok := parseIndex(name, "d", 32); ok {
		c.V[i] = v
		return nil
	}
	return fmt.Errorf("unknown register %q: %w", name, e.ErrNotSupported)
}

// F32 returns the bits of f, for passing float arguments in s registers.
func F32(f float32) uint64 { return uint64(math.Float32bits(f)) }

// F64 returns the bits of f, for passing double arguments in d registers.
func F64(f float64) uint64 { return math.Float64bits(f) }

func (c *CPU) S(i int) float32 { return math.Float32frombits(uint32(c.V[i])) }
func (c *CPU) D(i int) float64 { return math.Float64frombits(c.V[i]) }

// FormatReg renders a register value for traces: floats for s registers,
// hex for everything else.
func (c *CPU) FormatReg(name string) string {
	v, err := c.Reg(name)
	if err != nil {
		return "?"
	}
	if strings.HasPrefix(name, "s") && name != "sp" {
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	}
	return fmt.Sprintf("%#x", v)
}

// xr reads Xn with 31 as the zero register.
func (c *CPU) xr(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return c.X[n]
}

// xsp reads Xn with 31 as the stack pointer.
func (c *CPU) xsp(n uint32) uint64 {
	if n == 31 {
		return c.SP
	}
	return c.X[n]
}

func (c *CPU) setX(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	if n != 31 {
		c.X[n] = v
	}
}

func (c *CPU) setXSP(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	if n == 31 {
		c.SP = v
	} else {
		c.X[n] = v
	}
}

func (c *CPU) setNZ(v uint64, sf bool) {
	if sf {
		c.N = int64(v) < 0
		c.Z = v == 0
	} else {
		c.N = int32(v) < 0
		c.Z = uint32(v) == 0
	}
}

// cond evaluates a 4-bit condition code against NZCV.
func (c *CPU) cond(code uint32) bool {
	var r bool
	switch code >> 1 {
	case 0:
		r = c.Z
	case 1:
		r = c.C
	case 2:
		r = c.N
	case 3:
		r = c.VF
	case 4:
		r = c.C && !c.Z
	case 5:
		r = c.N == c.VF
	case 6:
		r = c.N == c.VF && !c.Z
	default:
		return true
	}
	if code&1 != 0 {
		r = !r
	}
	return r
}
