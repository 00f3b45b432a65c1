package emu

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	e "guestscope/error"
	"guestscope/pkg/cache"
	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
)

const (
	// ReturnAddr is loaded into LR; reaching it ends the call.
	ReturnAddr = 0x1234
	// StackTop is the initial SP, the top of the fake stack.
	StackTop        = proc.FakeStackHigh
	DefaultMaxInsns = 300
)

// Stub replaces a guest function: it runs instead of the code at its
// address, its result goes to x0 and execution resumes at LR.
type Stub func(cpu *CPU, mem proc.Memory) uint64

// ReturnZero is the stub for functions whose effect can be skipped.
func ReturnZero(*CPU, proc.Memory) uint64 { return 0 }

// StubbedSymbols are guest functions never worth emulating, keyed by the
// catalog symbol names.
var StubbedSymbols = map[string]Stub{
	"cxa_guard_acquire": ReturnZero,
	"cxa_guard_release": ReturnZero,
}

// ResolveStubs maps StubbedSymbols to code addresses through resolve.
// Symbols the resolver does not know are skipped.
func ResolveStubs(resolve func(name string) (uint64, bool)) map[uint64]Stub {
	out := make(map[uint64]Stub, len(StubbedSymbols))
	for name, fn := range StubbedSymbols {
		if addr, ok := resolve(name); ok {
			out[addr] = fn
		}
	}
	return out
}

type Options struct {
	// MaxInsns bounds the number of executed instructions; zero means
	// DefaultMaxInsns.
	MaxInsns int
	Stubs    map[uint64]Stub
	// Verbose writes one line per instruction to Trace: the pc (passed
	// through Unslide when set), the disassembly and the changed registers.
	Verbose bool
	Trace   io.Writer
	Unslide func(uint64) uint64
	Logger  logflags.Logger
}

// Result is the state after the emulated function returned.
type Result struct {
	CPU *CPU
	// Mem is the copy-on-write memory the call ran against; stores made by
	// the function are visible here and nowhere else.
	Mem   *cache.Cache
	Steps int
}

// X0 is the integer return value.
func (r *Result) X0() uint64 { return r.CPU.X[0] }

// S0 is the float return value.
func (r *Result) S0() float32 { return r.CPU.S(0) }

func (r *Result) Reg(name string) (uint64, error) { return r.CPU.Reg(name) }

// Call runs the guest function at pc with the given register values and
// returns once it returns to ReturnAddr. The live memory is never written:
// reads outside the fake stack go to live through a copy-on-write cache
// and writes stay in that cache.
func Call(live proc.Memory, pc uint64, regs map[string]uint64, opts Options) (*Result, error) {
	if opts.MaxInsns <= 0 {
		opts.MaxInsns = DefaultMaxInsns
	}
	if opts.Logger == nil {
		opts.Logger = logflags.EmuLogger()
	}
	if opts.Verbose && opts.Trace == nil {
		opts.Trace = os.Stderr
	}

	mem := cache.NewOverlay(proc.NewFakeStack(live))

	cpu := &CPU{SP: StackTop, PC: pc}
	cpu.X[30] = ReturnAddr
	for name, v := range regs {
		if err := cpu.SetReg(name, v); err != nil {
			return nil, err
		}
	}
	opts.Logger.Debugf("call %#x with %v", pc, regs)

	s := &stepper{cpu: cpu, mem: mem}
	var prev CPU
	for steps := 0; ; steps++ {
		if cpu.PC == ReturnAddr {
			opts.Logger.Debugf("call %#x returned after %d steps, x0=%#x", pc, steps, cpu.X[0])
			return &Result{CPU: cpu, Mem: mem, Steps: steps}, nil
		}
		if steps == opts.MaxInsns {
			return nil, fmt.Errorf("call %#x stopped at pc %#x after %d instructions: %w", pc, cpu.PC, steps, e.ErrTookTooLong)
		}

		if stub, ok := opts.Stubs[cpu.PC]; ok {
			opts.Logger.Debugf("stubbed call at %#x", cpu.PC)
			cpu.X[0] = stub(cpu, mem)
			cpu.PC = cpu.X[30]
			continue
		}

		cur := cpu.PC
		w, err := proc.ReadUint32(mem, cur)
		if err != nil {
			return nil, fmt.Errorf("fetching instruction at %#x: %w", cur, err)
		}
		if opts.Verbose {
			prev = *cpu
		}
		if err := s.step(w); err != nil {
			return nil, describeFault(cur, w, err)
		}
		if opts.Verbose {
			trace(opts, &prev, cpu, cur, w)
		}
	}
}

func disassemble(w uint32) string {
	b := []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
	inst, err := arm64asm.Decode(b)
	if err != nil {
		return fmt.Sprintf(".word %#08x", w)
	}
	return arm64asm.GNUSyntax(inst)
}

func trace(opts Options, prev, cur *CPU, pc uint64, w uint32) {
	shown := pc
	if opts.Unslide != nil {
		shown = opts.Unslide(pc)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pc=%#x  %-32s", shown, disassemble(w))
	for _, name := range RegNames {
		before, _ := prev.Reg(name)
		after, _ := cur.Reg(name)
		if before != after {
			fmt.Fprintf(&b, " %s=%s", name, cur.FormatReg(name))
		}
	}
	fmt.Fprintln(opts.Trace, b.String())
}

// IsUnsupported reports whether err came from an instruction outside the
// interpreted subset.
func IsUnsupported(err error) bool {
	return errors.Is(err, e.ErrUnsupportedInstruction)
}
