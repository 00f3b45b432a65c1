package emu

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	e "guestscope/error"
	"guestscope/pkg/proc"
)

func field(w uint32, hi, lo uint) uint32 {
	return (w >> lo) & (1<<(hi-lo+1) - 1)
}

func sext(v uint64, width uint) uint64 {
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

func ones(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

func ror(v uint64, r, size uint) uint64 {
	r %= size
	v &= ones(size)
	if r == 0 {
		return v
	}
	return (v>>r | v<<(size-r)) & ones(size)
}

func replicate(v uint64, esize, size uint) uint64 {
	var out uint64
	for i := uint(0); i < size; i += esize {
		out |= v << i
	}
	return out
}

func datasize(sf bool) uint {
	if sf {
		return 64
	}
	return 32
}

// decodeBitMasks is the DecodeBitMasks helper of the A64 pseudocode.
func decodeBitMasks(n, imms, immr uint32, immediate bool, size uint) (wmask, tmask uint64, ok bool) {
	combined := n<<6 | (^imms & 0x3f)
	if combined == 0 {
		return 0, 0, false
	}
	length := uint(31 - bits.LeadingZeros32(combined))
	if length < 1 {
		return 0, 0, false
	}
	levels := uint32(ones(length))
	if immediate && imms&levels == levels {
		return 0, 0, false
	}
	s := uint(imms & levels)
	r := uint(immr & levels)
	d := (s - r) & uint(levels)
	esize := uint(1) << length
	if esize > size {
		return 0, 0, false
	}
	welem := ones(s + 1)
	telem := ones(d + 1)
	wmask = replicate(ror(welem, r, esize), esize, size)
	tmask = replicate(telem, esize, size)
	return wmask, tmask, true
}

func shiftReg(v uint64, kind uint32, amount uint, sf bool) uint64 {
	size := datasize(sf)
	v &= ones(size)
	amount %= size
	switch kind {
	case 0:
		return (v << amount) & ones(size)
	case 1:
		return v >> amount
	case 2:
		if sf {
			return uint64(int64(v) >> amount)
		}
		return uint64(uint32(int32(uint32(v)) >> amount))
	default:
		return ror(v, amount, size)
	}
}

// extendReg applies the option field of register-offset addressing.
func extendReg(v uint64, option uint32) uint64 {
	switch option {
	case 0b010:
		return uint64(uint32(v))
	case 0b110:
		return uint64(int64(int32(uint32(v))))
	default:
		return v
	}
}

func (c *CPU) addWithCarry(x, y uint64, carry bool, sf bool, setFlags bool) uint64 {
	var cin uint64
	if carry {
		cin = 1
	}
	var result uint64
	var cout, ovf bool
	if sf {
		sum, co := bits.Add64(x, y, cin)
		result = sum
		cout = co != 0
		ovf = ((x^sum)&(y^sum))>>63 != 0
	} else {
		x32, y32 := uint32(x), uint32(y)
		wide := uint64(x32) + uint64(y32) + cin
		r := uint32(wide)
		result = uint64(r)
		cout = wide>>32 != 0
		ovf = ((x32^r)&(y32^r))>>31 != 0
	}
	if setFlags {
		c.setNZ(result, sf)
		c.C = cout
		c.VF = ovf
	}
	return result
}

type stepper struct {
	cpu *CPU
	mem proc.Memory
}

func (s *stepper) load(addr uint64, size uint64) (uint64, error) {
	b, err := proc.Read(s.mem, addr, size)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *stepper) store(addr uint64, size uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return proc.Write(s.mem, addr, buf[:size])
}

var errUnsupported = e.ErrUnsupportedInstruction

// step executes the instruction w located at the current PC.
func (s *stepper) step(w uint32) error {
	c := s.cpu
	pc := c.PC
	next := pc + 4
	sf := w>>31 != 0

	switch {
	// hints and barriers
	case w&0xfffff01f == 0xd503201f, w&0xfffff01f == 0xd503301f:

	// add/sub immediate
	case field(w, 28, 23) == 0b100010:
		op, setFlags := field(w, 30, 30) != 0, field(w, 29, 29) != 0
		imm := uint64(field(w, 21, 10))
		if field(w, 22, 22) != 0 {
			imm <<= 12
		}
		rn, rd := field(w, 9, 5), field(w, 4, 0)
		x := c.xsp(rn)
		var r uint64
		if op {
			r = c.addWithCarry(x, ^imm, true, sf, setFlags)
		} else {
			r = c.addWithCarry(x, imm, false, sf, setFlags)
		}
		if setFlags {
			c.setX(rd, r, sf)
		} else {
			c.setXSP(rd, r, sf)
		}

	// logical immediate
	case field(w, 28, 23) == 0b100100:
		n := field(w, 22, 22)
		if !sf && n != 0 {
			return errUnsupported
		}
		imm, _, ok := decodeBitMasks(n, field(w, 15, 10), field(w, 21, 16), true, datasize(sf))
		if !ok {
			return errUnsupported
		}
		rn, rd := field(w, 9, 5), field(w, 4, 0)
		x := c.xr(rn)
		var r uint64
		opc := field(w, 30, 29)
		switch opc {
		case 0, 3:
			r = x & imm
		case 1:
			r = x | imm
		case 2:
			r = x ^ imm
		}
		if opc == 3 {
			c.setNZ(r, sf)
			c.C, c.VF = false, false
			c.setX(rd, r, sf)
		} else {
			c.setXSP(rd, r, sf)
		}

	// move wide
	case field(w, 28, 23) == 0b100101:
		hw := uint(field(w, 22, 21))
		if !sf && hw > 1 {
			return errUnsupported
		}
		imm := uint64(field(w, 20, 5)) << (hw * 16)
		rd := field(w, 4, 0)
		switch field(w, 30, 29) {
		case 0:
			c.setX(rd, ^imm, sf)
		case 2:
			c.setX(rd, imm, sf)
		case 3:
			cur := c.xr(rd) &^ (0xffff << (hw * 16))
			c.setX(rd, cur|imm, sf)
		default:
			return errUnsupported
		}

	// bitfield
	case field(w, 28, 23) == 0b100110:
		size := datasize(sf)
		immr, imms := field(w, 21, 16), field(w, 15, 10)
		wmask, tmask, ok := decodeBitMasks(field(w, 22, 22), imms, immr, false, size)
		if !ok {
			return errUnsupported
		}
		rn, rd := field(w, 9, 5), field(w, 4, 0)
		src := c.xr(rn) & ones(size)
		rotated := ror(src, uint(immr), size)
		var r uint64
		switch field(w, 30, 29) {
		case 0: // SBFM
			bot := rotated & wmask
			var top uint64
			if src>>imms&1 != 0 {
				top = ones(size)
			}
			r = top&^tmask | bot&tmask
		case 1: // BFM
			dst := c.xr(rd)
			bot := dst&^wmask | rotated&wmask
			r = dst&^tmask | bot&tmask
		case 2: // UBFM
			r = rotated & wmask & tmask
		default:
			return errUnsupported
		}
		c.setX(rd, r, sf)

	// adr/adrp
	case field(w, 28, 24) == 0b10000:
		imm := sext(uint64(field(w, 23, 5)<<2|field(w, 30, 29)), 21)
		rd := field(w, 4, 0)
		if sf {
			c.setX(rd, pc&^0xfff+imm<<12, true)
		} else {
			c.setX(rd, pc+imm, true)
		}

	// b/bl
	case field(w, 30, 26) == 0b00101:
		if sf {
			c.X[30] = next
		}
		next = pc + sext(uint64(field(w, 25, 0))<<2, 28)

	// b.cond
	case w&0xff000010 == 0x54000000:
		if c.cond(field(w, 3, 0)) {
			next = pc + sext(uint64(field(w, 23, 5))<<2, 21)
		}

	// cbz/cbnz
	case field(w, 30, 25) == 0b011010:
		v := c.xr(field(w, 4, 0))
		if !sf {
			v = uint64(uint32(v))
		}
		if (v == 0) != (field(w, 24, 24) != 0) {
			next = pc + sext(uint64(field(w, 23, 5))<<2, 21)
		}

	// tbz/tbnz
	case field(w, 30, 25) == 0b011011:
		bit := field(w, 31, 31)<<5 | field(w, 23, 19)
		set := c.xr(field(w, 4, 0))>>bit&1 != 0
		if set == (field(w, 24, 24) != 0) {
			next = pc + sext(uint64(field(w, 18, 5))<<2, 16)
		}

	// br/blr/ret
	case w&0xfffffc1f == 0xd61f0000, w&0xfffffc1f == 0xd65f0000:
		next = c.xr(field(w, 9, 5))
	case w&0xfffffc1f == 0xd63f0000:
		target := c.xr(field(w, 9, 5))
		c.X[30] = next
		next = target

	// add/sub shifted register
	case field(w, 28, 24) == 0b01011 && field(w, 21, 21) == 0:
		kind := field(w, 23, 22)
		if kind == 3 {
			return errUnsupported
		}
		op, setFlags := field(w, 30, 30) != 0, field(w, 29, 29) != 0
		y := shiftReg(c.xr(field(w, 20, 16)), kind, uint(field(w, 15, 10)), sf)
		x := c.xr(field(w, 9, 5))
		var r uint64
		if op {
			r = c.addWithCarry(x, ^y, true, sf, setFlags)
		} else {
			r = c.addWithCarry(x, y, false, sf, setFlags)
		}
		c.setX(field(w, 4, 0), r, sf)

	// logical shifted register
	case field(w, 28, 24) == 0b01010:
		y := shiftReg(c.xr(field(w, 20, 16)), field(w, 23, 22), uint(field(w, 15, 10)), sf)
		if field(w, 21, 21) != 0 {
			y = ^y
		}
		x := c.xr(field(w, 9, 5))
		var r uint64
		opc := field(w, 30, 29)
		switch opc {
		case 0, 3:
			r = x & y
		case 1:
			r = x | y
		case 2:
			r = x ^ y
		}
		if opc == 3 {
			c.setNZ(r, sf)
			c.C, c.VF = false, false
		}
		c.setX(field(w, 4, 0), r, sf)

	// csel/csinc/csinv/csneg
	case field(w, 29, 21) == 0b011010100 && field(w, 11, 11) == 0:
		x, y := c.xr(field(w, 9, 5)), c.xr(field(w, 20, 16))
		var r uint64
		if c.cond(field(w, 15, 12)) {
			r = x
		} else {
			switch field(w, 30, 30)<<1 | field(w, 10, 10) {
			case 0:
				r = y
			case 1:
				r = y + 1
			case 2:
				r = ^y
			case 3:
				r = -y
			}
		}
		c.setX(field(w, 4, 0), r, sf)

	// data processing, 3 source
	case field(w, 28, 24) == 0b11011 && field(w, 30, 29) == 0:
		rm, ra, rn, rd := field(w, 20, 16), field(w, 14, 10), field(w, 9, 5), field(w, 4, 0)
		sub := field(w, 15, 15) != 0
		switch field(w, 23, 21) {
		case 0b000: // madd/msub
			p := c.xr(rn) * c.xr(rm)
			if sub {
				c.setX(rd, c.xr(ra)-p, sf)
			} else {
				c.setX(rd, c.xr(ra)+p, sf)
			}
		case 0b001, 0b101: // smaddl/smsubl, umaddl/umsubl
			if !sf {
				return errUnsupported
			}
			var p uint64
			if field(w, 23, 23) != 0 {
				p = uint64(uint32(c.xr(rn))) * uint64(uint32(c.xr(rm)))
			} else {
				p = uint64(int64(int32(uint32(c.xr(rn)))) * int64(int32(uint32(c.xr(rm)))))
			}
			if sub {
				c.setX(rd, c.xr(ra)-p, true)
			} else {
				c.setX(rd, c.xr(ra)+p, true)
			}
		case 0b010: // smulh
			hi, _ := bits.Mul64(c.xr(rn), c.xr(rm))
			x, y := int64(c.xr(rn)), int64(c.xr(rm))
			if x < 0 {
				hi -= uint64(y)
			}
			if y < 0 {
				hi -= uint64(x)
			}
			c.setX(rd, hi, true)
		case 0b110: // umulh
			hi, _ := bits.Mul64(c.xr(rn), c.xr(rm))
			c.setX(rd, hi, true)
		default:
			return errUnsupported
		}

	// data processing, 2 source
	case field(w, 30, 21) == 0b0011010110:
		size := datasize(sf)
		x := c.xr(field(w, 9, 5)) & ones(size)
		y := c.xr(field(w, 20, 16)) & ones(size)
		var r uint64
		switch field(w, 15, 10) {
		case 0b000010: // udiv
			if y != 0 {
				r = x / y
			}
		case 0b000011: // sdiv
			if y != 0 {
				if sf {
					if int64(x) == math.MinInt64 && int64(y) == -1 {
						r = x
					} else {
						r = uint64(int64(x) / int64(y))
					}
				} else {
					if int32(x) == math.MinInt32 && int32(y) == -1 {
						r = x
					} else {
						r = uint64(uint32(int32(x) / int32(y)))
					}
				}
			}
		case 0b001000:
			r = shiftReg(x, 0, uint(y), sf)
		case 0b001001:
			r = shiftReg(x, 1, uint(y), sf)
		case 0b001010:
			r = shiftReg(x, 2, uint(y), sf)
		case 0b001011:
			r = shiftReg(x, 3, uint(y), sf)
		default:
			return errUnsupported
		}
		c.setX(field(w, 4, 0), r, sf)

	// load/store register, unsigned offset
	case field(w, 29, 24)&0b111011 == 0b111001:
		scale := uint(field(w, 31, 30))
		addr := c.xsp(field(w, 9, 5)) + uint64(field(w, 21, 10))<<scale
		if err := s.loadStore(w, addr); err != nil {
			return err
		}

	// load/store register, unscaled / pre / post index / register offset
	case field(w, 29, 24)&0b111011 == 0b111000:
		rn := field(w, 9, 5)
		base := c.xsp(rn)
		if field(w, 21, 21) != 0 {
			if field(w, 11, 10) != 0b10 {
				return errUnsupported
			}
			off := extendReg(c.xr(field(w, 20, 16)), field(w, 15, 13))
			if field(w, 12, 12) != 0 {
				off <<= field(w, 31, 30)
			}
			if err := s.loadStore(w, base+off); err != nil {
				return err
			}
			break
		}
		imm := sext(uint64(field(w, 20, 12)), 9)
		switch field(w, 11, 10) {
		case 0b00, 0b10:
			if err := s.loadStore(w, base+imm); err != nil {
				return err
			}
		case 0b01:
			if err := s.loadStore(w, base); err != nil {
				return err
			}
			c.setXSP(rn, base+imm, true)
		case 0b11:
			if err := s.loadStore(w, base+imm); err != nil {
				return err
			}
			c.setXSP(rn, base+imm, true)
		}

	// load/store pair
	case field(w, 29, 27) == 0b101 && field(w, 25, 25) == 0:
		if err := s.pair(w); err != nil {
			return err
		}

	// load register, literal
	case field(w, 29, 27) == 0b011 && field(w, 25, 24) == 0:
		addr := pc + sext(uint64(field(w, 23, 5))<<2, 21)
		rt := field(w, 4, 0)
		opc := field(w, 31, 30)
		if field(w, 26, 26) != 0 {
			if opc > 1 {
				return errUnsupported
			}
			v, err := s.load(addr, 4<<opc)
			if err != nil {
				return err
			}
			c.V[rt] = v
			break
		}
		switch opc {
		case 0:
			v, err := s.load(addr, 4)
			if err != nil {
				return err
			}
			c.setX(rt, v, true)
		case 1:
			v, err := s.load(addr, 8)
			if err != nil {
				return err
			}
			c.setX(rt, v, true)
		case 2:
			v, err := s.load(addr, 4)
			if err != nil {
				return err
			}
			c.setX(rt, sext(v, 32), true)
		}

	default:
		if !s.float(w) {
			return errUnsupported
		}
	}

	c.PC = next
	return nil
}

// loadStore executes a single-register load or store at addr.
func (s *stepper) loadStore(w uint32, addr uint64) error {
	c := s.cpu
	size := uint64(1) << field(w, 31, 30)
	opc := field(w, 23, 22)
	rt := field(w, 4, 0)

	if field(w, 26, 26) != 0 {
		if opc > 1 {
			return errUnsupported
		}
		if opc == 0 {
			return s.store(addr, size, c.V[rt])
		}
		v, err := s.load(addr, size)
		if err != nil {
			return err
		}
		c.V[rt] = v
		return nil
	}

	switch opc {
	case 0:
		return s.store(addr, size, c.xr(rt))
	case 1:
		v, err := s.load(addr, size)
		if err != nil {
			return err
		}
		c.setX(rt, v, true)
	case 2:
		if size == 8 { // prfm
			return nil
		}
		v, err := s.load(addr, size)
		if err != nil {
			return err
		}
		c.setX(rt, sext(v, uint(size*8)), true)
	case 3:
		if size == 8 {
			return errUnsupported
		}
		v, err := s.load(addr, size)
		if err != nil {
			return err
		}
		c.setX(rt, sext(v, uint(size*8)), false)
	}
	return nil
}

func (s *stepper) pair(w uint32) error {
	c := s.cpu
	opc := field(w, 31, 30)
	vector := field(w, 26, 26) != 0
	load := field(w, 22, 22) != 0
	rt, rt2, rn := field(w, 4, 0), field(w, 14, 10), field(w, 9, 5)

	var scale uint
	signed := false
	switch {
	case vector && opc <= 1:
		scale = 2 + uint(opc)
	case !vector && opc == 0:
		scale = 2
	case !vector && opc == 1 && load:
		scale, signed = 2, true
	case !vector && opc == 2:
		scale = 3
	default:
		return errUnsupported
	}
	size := uint64(1) << scale
	imm := sext(uint64(field(w, 21, 15)), 7) << scale
	base := c.xsp(rn)

	mode := field(w, 24, 23)
	addr := base
	if mode != 0b01 {
		addr = base + imm
	}

	for i, r := range [2]uint32{rt, rt2} {
		a := addr + uint64(i)*size
		switch {
		case load && vector:
			v, err := s.load(a, size)
			if err != nil {
				return err
			}
			c.V[r] = v
		case load:
			v, err := s.load(a, size)
			if err != nil {
				return err
			}
			if signed {
				v = sext(v, 32)
			}
			c.setX(r, v, true)
		case vector:
			if err := s.store(a, size, c.V[r]); err != nil {
				return err
			}
		default:
			if err := s.store(a, size, c.xr(r)); err != nil {
				return err
			}
		}
	}

	if mode == 0b01 || mode == 0b11 {
		c.setXSP(rn, base+imm, true)
	}
	return nil
}

// float executes the scalar floating point subset and reports whether w was
// one of its instructions.
func (s *stepper) float(w uint32) bool {
	c := s.cpu
	rd, rn, rm := field(w, 4, 0), field(w, 9, 5), field(w, 20, 16)

	switch w & 0xfffffc00 {
	case 0x1e260000: // fmov wd, sn
		c.setX(rd, uint64(uint32(c.V[rn])), false)
	case 0x1e270000: // fmov sd, wn
		c.V[rd] = uint64(uint32(c.xr(rn)))
	case 0x9e660000: // fmov xd, dn
		c.setX(rd, c.V[rn], true)
	case 0x9e670000: // fmov dd, xn
		c.V[rd] = c.xr(rn)
	case 0x1e204000: // fmov sd, sn
		c.V[rd] = uint64(uint32(c.V[rn]))
	case 0x1e604000: // fmov dd, dn
		c.V[rd] = c.V[rn]
	case 0x1e22c000: // fcvt dd, sn
		c.V[rd] = math.Float64bits(float64(c.S(int(rn))))
	case 0x1e624000: // fcvt sd, dn
		c.V[rd] = uint64(math.Float32bits(float32(c.D(int(rn)))))
	case 0x1e220000: // scvtf sd, wn
		c.V[rd] = uint64(math.Float32bits(float32(int32(uint32(c.xr(rn))))))
	case 0x9e220000: // scvtf sd, xn
		c.V[rd] = uint64(math.Float32bits(float32(int64(c.xr(rn)))))
	case 0x1e620000: // scvtf dd, wn
		c.V[rd] = math.Float64bits(float64(int32(uint32(c.xr(rn)))))
	case 0x9e620000: // scvtf dd, xn
		c.V[rd] = math.Float64bits(float64(int64(c.xr(rn))))
	case 0x1e380000: // fcvtzs wd, sn
		c.setX(rd, uint64(uint32(int32(c.S(int(rn))))), false)
	case 0x9e780000: // fcvtzs xd, dn
		c.setX(rd, uint64(int64(c.D(int(rn)))), true)
	default:
		return s.floatArith(w, rd, rn, rm)
	}
	return true
}

func (s *stepper) floatArith(w, rd, rn, rm uint32) bool {
	c := s.cpu
	double := w&0x00400000 != 0
	switch w & 0xffa0fc00 {
	case 0x1e202800, 0x1e203800, 0x1e200800, 0x1e201800:
	default:
		return false
	}
	op := w & 0xf800
	if double {
		x, y := c.D(int(rn)), c.D(int(rm))
		var r float64
		switch op {
		case 0x2800:
			r = x + y
		case 0x3800:
			r = x - y
		case 0x0800:
			r = x * y
		case 0x1800:
			r = x / y
		}
		c.V[rd] = math.Float64bits(r)
		return true
	}
	x, y := c.S(int(rn)), c.S(int(rm))
	var r float32
	switch op {
	case 0x2800:
		r = x + y
	case 0x3800:
		r = x - y
	case 0x0800:
		r = x * y
	case 0x1800:
		r = x / y
	}
	c.V[rd] = uint64(math.Float32bits(r))
	return true
}

func describeFault(pc uint64, w uint32, err error) error {
	return fmt.Errorf("at pc %#x (%s): %w", pc, disassemble(w), err)
}
