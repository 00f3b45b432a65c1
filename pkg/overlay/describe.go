package overlay

import (
	"fmt"
	"strconv"

	"guestscope/pkg/proc/desc"
)

// DescribeConfig bounds how much of the object graph Describe loads.
type DescribeConfig struct {
	// MaxDepth is how many levels of aggregates are expanded.
	MaxDepth int
	// MaxElems caps the number of array and list elements loaded.
	MaxElems int
	// FollowPointers expands every pointer, not just Deep fields and the
	// top-level value.
	FollowPointers bool
}

var DefaultDescribeConfig = DescribeConfig{MaxDepth: 3, MaxElems: 64}

// Describe loads p into a printable desc.Variable. Read failures are
// recorded in the Unreadable field of the affected node rather than
// returned, so one bad pointer does not hide the rest of a structure.
//
// Each pointer target is expanded once; later pointers to an address
// already shown keep only their value, which also ends pointer cycles.
func Describe(ctx *Context, name string, p Ptr, cfg DescribeConfig) desc.Variable {
	d := &describer{ctx: ctx, cfg: cfg, shown: NewPointerSet()}
	d.shown.Add(p)
	var v desc.Variable
	_ = ctx.Do(func() error {
		v = d.describe(name, p, 0, cfg.MaxDepth, true)
		return nil
	})
	return v
}

type describer struct {
	ctx   *Context
	cfg   DescribeConfig
	shown *PointerSet
}

// Dump renders p on multiple lines.
func Dump(ctx *Context, p Ptr) string {
	v := Describe(ctx, "", p, DefaultDescribeConfig)
	return v.MultilineString("", "")
}

// describe loads p. owner is the address of the struct holding p, zero at
// the top level; member function pointers resolve virtual calls against it.
func (d *describer) describe(name string, p Ptr, owner uint64, depth int, follow bool) desc.Variable {
	ctx, cfg := d.ctx, d.cfg
	v := desc.Variable{Name: name, Addr: p.Addr, Type: p.TypeName()}

	switch t := Resolve(p.Type).(type) {
	case *Primitive:
		v.Kind = desc.Uint
		if t.Signed() {
			v.Kind = desc.Int
		} else if t.Float() {
			v.Kind = desc.Float
		}
		x, err := p.Get(ctx)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Value = t.Format(x)

	case *Pointer:
		v.Kind = desc.Pointer
		target, err := p.Deref(ctx)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Base = target.Addr
		if (follow || cfg.FollowPointers) && depth > 0 && !target.IsNull() && target.Type != nil && d.shown.Add(target) {
			v.Children = []desc.Variable{d.describe("", target, 0, depth-1, false)}
		}

	case *CString:
		v.Kind = desc.String
		v.Base = p.Addr
		s, err := t.Read(ctx, p.Addr)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Value = string(s)
		v.Len = int64(len(s))

	case *MemberFunctionPointer:
		v.Kind = desc.Func
		data, err := p.Bytes(ctx)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		words, _ := t.DecodeFields(data)
		w1, w2 := words["word1"].(uint64), words["word2"].(uint64)
		v.Base = w1
		if w2&1 == 0 {
			break
		}
		v.Type = fmt.Sprintf("%s(virtual +%#x)", p.TypeName(), w2>>1)
		if owner == 0 {
			break
		}
		target, err := t.Resolve(ctx, p, owner)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Base = target

	case *List:
		v.Kind = desc.List
		n, err := t.Len(ctx, p.Addr)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Len = int64(n)
		if depth <= 0 {
			return v
		}
		err = t.Each(ctx, p.Addr, false, func(el Ptr) error {
			if len(v.Children) >= cfg.MaxElems {
				return errStop
			}
			v.Children = append(v.Children, d.describe("", el, 0, depth-1, follow))
			return nil
		})
		if err != nil {
			v.Unreadable = err.Error()
		}

	case ArrayView:
		v.Kind = desc.Array
		n, err := t.Len(ctx, p.Addr)
		if err != nil {
			v.Unreadable = err.Error()
			return v
		}
		v.Len = int64(n)
		if depth <= 0 {
			return v
		}
		for i := 0; i < n && i < cfg.MaxElems; i++ {
			el, err := t.ElemAt(ctx, p.Addr, i)
			if err != nil {
				v.Children = append(v.Children, desc.Variable{Name: strconv.Itoa(i), Unreadable: err.Error()})
				break
			}
			v.Children = append(v.Children, d.describe("", el, 0, depth-1, follow))
		}

	case StructView:
		v.Kind = desc.Struct
		fields := t.Fields()
		v.Len = int64(len(fields))
		if depth <= 0 {
			return v
		}
		for _, f := range fields {
			if f.Hidden {
				continue
			}
			fp := Ptr{Type: f.Type, Addr: p.Addr + f.Offset}
			v.Children = append(v.Children, d.describe(f.Name, fp, p.Addr, depth-1, f.Deep))
		}

	default:
		v.Unreadable = fmt.Sprintf("no layout for %s", p.TypeName())
	}
	return v
}
