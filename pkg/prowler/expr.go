package prowler

import (
	"fmt"
	"strconv"
	"strings"

	"guestscope/pkg/overlay"
)

// Addr evaluates an address expression:
//
//	0x7100001234        absolute guest address
//	main_actor          catalog symbol, slid
//	main_actor+0x10     symbol or number plus or minus an offset
//	g:0x7100001234      disassembler address of the main image
func (p *Prowler) Addr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	if s == "null" {
		return 0, nil
	}
	if i := strings.LastIndexAny(s, "+-"); i > 0 {
		off, err := strconv.ParseUint(strings.TrimSpace(s[i+1:]), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad offset in %q", s)
		}
		base, err := p.Addr(s[:i])
		if err != nil {
			return 0, err
		}
		if s[i] == '-' {
			return base - off, nil
		}
		return base + off, nil
	}
	if rest, ok := strings.CutPrefix(s, "g:"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(rest), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad disassembler address %q", rest)
		}
		return p.mapper.GSlide(n), nil
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	return p.mapper.Addr(s)
}

// resolve evaluates a typed expression to a guest pointer:
//
//	TYPE@ADDR{.field|[n]}*
//
// A .field or [n] step applied to a pointer goes through the pointer
// first. Indexing a pointer to a non-indexable type steps by the size of
// the pointee. Steps read guest memory, so callers hold a cache scope.
func (p *Prowler) resolve(expr string) (overlay.Ptr, error) {
	typ, rest, ok := strings.Cut(expr, "@")
	if !ok {
		return overlay.Ptr{}, fmt.Errorf("%q: expected TYPE@ADDR", expr)
	}
	t, err := p.mapper.Types().Parse(strings.TrimSpace(typ))
	if err != nil {
		return overlay.Ptr{}, err
	}
	addrStr, steps := rest, ""
	if i := strings.IndexAny(rest, ".["); i >= 0 {
		addrStr, steps = rest[:i], rest[i:]
	}
	addr, err := p.Addr(addrStr)
	if err != nil {
		return overlay.Ptr{}, err
	}
	ptr, err := p.walk(overlay.At(t, addr), steps)
	if err != nil {
		return overlay.Ptr{}, fmt.Errorf("%s: %w", expr, err)
	}
	return ptr, nil
}

func (p *Prowler) walk(ptr overlay.Ptr, steps string) (overlay.Ptr, error) {
	for steps != "" {
		var err error
		switch steps[0] {
		case '.':
			end := strings.IndexAny(steps[1:], ".[") + 1
			if end == 0 {
				end = len(steps)
			}
			name := strings.TrimSpace(steps[1:end])
			steps = steps[end:]
			if ptr, err = p.throughPointer(ptr); err != nil {
				return overlay.Ptr{}, err
			}
			if ptr, err = ptr.Field(name); err != nil {
				return overlay.Ptr{}, err
			}

		case '[':
			end := strings.IndexByte(steps, ']')
			if end < 0 {
				return overlay.Ptr{}, fmt.Errorf("missing ] in %q", steps)
			}
			i, err := strconv.Atoi(strings.TrimSpace(steps[1:end]))
			if err != nil {
				return overlay.Ptr{}, fmt.Errorf("bad index %q", steps[1:end])
			}
			steps = steps[end+1:]
			if ptr, err = p.index(ptr, i); err != nil {
				return overlay.Ptr{}, err
			}

		default:
			return overlay.Ptr{}, fmt.Errorf("unexpected %q", steps)
		}
	}
	return ptr, nil
}

func (p *Prowler) throughPointer(ptr overlay.Ptr) (overlay.Ptr, error) {
	if _, ok := overlay.Resolve(ptr.Type).(*overlay.Pointer); !ok {
		return ptr, nil
	}
	target, err := ptr.Deref(p.ctx)
	if err != nil {
		return overlay.Ptr{}, err
	}
	if target.IsNull() {
		return overlay.Ptr{}, fmt.Errorf("null %s", ptr.TypeName())
	}
	return target, nil
}

func (p *Prowler) index(ptr overlay.Ptr, i int) (overlay.Ptr, error) {
	pointer, isPointer := overlay.Resolve(ptr.Type).(*overlay.Pointer)
	if isPointer {
		target, err := p.throughPointer(ptr)
		if err != nil {
			return overlay.Ptr{}, err
		}
		if _, ok := overlay.Resolve(target.Type).(overlay.ArrayView); !ok {
			t := pointer.Target()
			if t == nil {
				return overlay.Ptr{}, fmt.Errorf("cannot index void*")
			}
			size, ok := t.Size()
			if !ok {
				return overlay.Ptr{}, fmt.Errorf("cannot index %s: no fixed size", ptr.TypeName())
			}
			return target.RawOffset(int64(i)*int64(size), t), nil
		}
		ptr = target
	}
	return ptr.Index(p.ctx, i)
}
