// Package prowler is an inspection session over one guest: a cached memory
// backend, the layout of the detected build and the operations the REPL and
// the services expose.
package prowler

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/derekparker/trie"

	e "guestscope/error"
	"guestscope/pkg/cache"
	"guestscope/pkg/emu"
	"guestscope/pkg/layout"
	"guestscope/pkg/logflags"
	"guestscope/pkg/overlay"
	"guestscope/pkg/proc"
	"guestscope/pkg/proc/desc"
	"guestscope/utils"
)

type LsType int

const (
	All LsType = iota
	Symbol
	Type
)

var getConfig = overlay.DescribeConfig{MaxDepth: 1, MaxElems: 16}

type Options struct {
	Cache  []cache.Option
	Emu    emu.Options
	Logger logflags.Logger
}

// Prowler serializes every operation: the cache under it is not safe for
// concurrent use.
type Prowler struct {
	mem    proc.Memory
	cache  *cache.Cache
	ctx    *overlay.Context
	mapper *layout.Mapper
	emu    emu.Options
	log    logflags.Logger
	trie   *trie.Trie
	mu     sync.Mutex
}

// Open detects the build of the guest behind mem and starts a session.
func Open(mem proc.Memory, cat layout.Catalog, opts Options) (*Prowler, error) {
	c := cache.New(mem, opts.Cache...)
	m, err := layout.Detect(c, cat)
	if err != nil {
		return nil, err
	}
	return newProwler(mem, c, m, opts), nil
}

// New starts a session with an already detected layout.
func New(mem proc.Memory, m *layout.Mapper, opts Options) *Prowler {
	return newProwler(mem, cache.New(mem, opts.Cache...), m, opts)
}

func newProwler(mem proc.Memory, c *cache.Cache, m *layout.Mapper, opts Options) *Prowler {
	if opts.Logger == nil {
		opts.Logger = logflags.ProwlerLogger()
	}
	p := &Prowler{
		mem:    mem,
		cache:  c,
		ctx:    overlay.NewContext(c),
		mapper: m,
		emu:    opts.Emu,
		log:    opts.Logger,
		trie:   trie.New(),
	}
	for _, name := range m.Symbols("") {
		p.trie.Add(name, Symbol)
	}
	for _, name := range m.Types().Names("") {
		p.trie.Add(name, Type)
	}
	p.log.Infof("build %s (%s)", m.Version(), m.BuildID)
	return p
}

func (p *Prowler) Mapper() *layout.Mapper { return p.mapper }
func (p *Prowler) Cache() *cache.Cache    { return p.cache }

// Close closes the backend if it holds resources.
func (p *Prowler) Close() error {
	if c, ok := p.mem.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// do runs fn inside one cache scope, so that reads made while evaluating
// one request see a single snapshot.
func (p *Prowler) do(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Do(fn)
}

// Get evaluates expr and describes the value one level deep.
func (p *Prowler) Get(expr string) (*desc.Variable, error) {
	var v desc.Variable
	err := p.do(func() error {
		ptr, err := p.resolve(expr)
		if err != nil {
			return err
		}
		v = overlay.Describe(p.ctx, expr, ptr, getConfig)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Dump renders the value of expr, following the fields its layout marks
// deep.
func (p *Prowler) Dump(expr string) (string, error) {
	var out string
	err := p.do(func() error {
		ptr, err := p.resolve(expr)
		if err != nil {
			return err
		}
		out = overlay.Dump(p.ctx, ptr)
		return nil
	})
	return out, err
}

// Set parses value for the type expr denotes and writes it. Only scalars
// and pointers can be set; pointers take address expressions.
func (p *Prowler) Set(expr, value string) error {
	return p.do(func() error {
		ptr, err := p.resolve(expr)
		if err != nil {
			return err
		}
		var v any
		switch t := overlay.Resolve(ptr.Type).(type) {
		case *overlay.Primitive:
			v, err = t.Parse(value)
		case *overlay.Pointer:
			v, err = p.Addr(value)
		default:
			return fmt.Errorf("%s is a %s: %w", expr, ptr.TypeName(), e.ErrNotSettable)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", expr, err)
		}
		p.log.Debugf("set %s (%#x) = %v", expr, ptr.Addr, v)
		return ptr.Set(p.ctx, v)
	})
}

// Span returns the address and size of the value expr denotes.
func (p *Prowler) Span(expr string) (addr, size uint64, err error) {
	err = p.do(func() error {
		ptr, err := p.resolve(expr)
		if err != nil {
			return err
		}
		n, ok := overlay.Resolve(ptr.Type).Size()
		if !ok {
			return fmt.Errorf("%s has no fixed size", ptr.TypeName())
		}
		addr, size = ptr.Addr, n
		return nil
	})
	return addr, size, err
}

// Read returns size bytes at the address expression.
func (p *Prowler) Read(addrExpr string, size uint64) ([]byte, error) {
	var data []byte
	err := p.do(func() error {
		addr, err := p.Addr(addrExpr)
		if err != nil {
			return err
		}
		data, err = proc.Read(p.cache, addr, size)
		return err
	})
	return data, err
}

// ReadMemory is Read for callers holding an address.
func (p *Prowler) ReadMemory(bs []byte, addr uint64) (int, error) {
	var n int
	err := p.do(func() error {
		data, err := p.cache.TryRead(addr, uint64(len(bs)))
		n = copy(bs, data)
		return err
	})
	return n, err
}

func (p *Prowler) Write(addrExpr string, data []byte) error {
	return p.do(func() error {
		addr, err := p.Addr(addrExpr)
		if err != nil {
			return err
		}
		return proc.Write(p.cache, addr, data)
	})
}

func (p *Prowler) WriteMemory(addr uint64, bs []byte) (int, error) {
	var n int
	err := p.do(func() error {
		var err error
		n, err = p.cache.TryWrite(addr, bs)
		return err
	})
	return n, err
}

// Emulate calls the guest function at fnExpr. Arguments are reg=value
// pairs; values are address expressions, or floats for s and d registers.
func (p *Prowler) Emulate(fnExpr string, args []string, trace io.Writer) (*emu.Result, error) {
	var res *emu.Result
	err := p.do(func() error {
		pc, err := p.Addr(fnExpr)
		if err != nil {
			return err
		}
		regs := make(map[string]uint64, len(args))
		for _, arg := range args {
			name, val, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("argument %q: expected reg=value", arg)
			}
			v, err := p.regValue(strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("argument %q: %w", arg, err)
			}
			regs[strings.TrimSpace(name)] = v
		}

		opts := p.emu
		opts.Stubs = emu.ResolveStubs(p.mapper.Lookup)
		if p.mapper.Main != nil {
			opts.Unslide = p.mapper.GUnslide
		}
		if trace != nil {
			opts.Verbose, opts.Trace = true, trace
		}
		res, err = emu.Call(p.cache, pc, regs, opts)
		return err
	})
	return res, err
}

func (p *Prowler) regValue(reg, val string) (uint64, error) {
	if reg != "sp" && (strings.HasPrefix(reg, "s") || strings.HasPrefix(reg, "d")) {
		if _, err := strconv.ParseUint(val, 0, 64); err != nil {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				if reg[0] == 's' {
					return emu.F32(float32(f)), nil
				}
				return emu.F64(f), nil
			}
		}
	}
	return p.Addr(val)
}

// Symbolize names a guest address.
func (p *Prowler) Symbolize(addr uint64) string { return p.mapper.Symbolize(addr) }

// List returns the catalog symbols and type names matching any prefix or
// any suffix; with no filters it returns everything of the kind.
func (p *Prowler) List(t LsType, prefixes, suffixes []string) []string {
	switch t {
	case All:
		return append(p.ListSymbols(prefixes, suffixes), p.ListTypes(prefixes, suffixes)...)
	case Symbol:
		return p.ListSymbols(prefixes, suffixes)
	case Type:
		return p.ListTypes(prefixes, suffixes)
	default:
		return nil
	}
}

func (p *Prowler) ListSymbols(prefixes, suffixes []string) []string {
	return filter(p.mapper.Symbols(""), prefixes, suffixes)
}

func (p *Prowler) ListTypes(prefixes, suffixes []string) []string {
	return filter(p.mapper.Types().Names(""), prefixes, suffixes)
}

func filter(names, prefixes, suffixes []string) []string {
	all := len(prefixes) == 0 && len(suffixes) == 0
	var out []string
	for _, name := range names {
		if all || utils.MatchesAny(name, prefixes, suffixes) {
			out = append(out, name)
		}
	}
	return out
}

// ListFuzzy matches symbols and types whose letters appear in order.
func (p *Prowler) ListFuzzy(expr string) []string {
	out := p.trie.FuzzySearch(expr)
	sort.Strings(out)
	return out
}

// Complete returns the symbol and type names starting with prefix.
func (p *Prowler) Complete(prefix string) []string {
	out := p.trie.PrefixSearch(prefix)
	sort.Strings(out)
	return out
}

// Info describes the detected build and the guest's images.
func (p *Prowler) Info() string {
	var b strings.Builder
	m := p.mapper
	fmt.Fprintf(&b, "build %s\nid    %s\n", m.Version(), m.BuildID)
	for i := range m.Images {
		ii := &m.Images[i]
		mark := " "
		if m.Main != nil && m.Main.ImageStart == ii.ImageStart {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, ii)
	}
	st := p.cache.Stats()
	fmt.Fprintf(&b, "cache: %d backend reads, %d hits\n", st.BackendReads, st.Hits)
	return b.String()
}
