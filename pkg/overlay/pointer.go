package overlay

import (
	"encoding/binary"
	"fmt"

	e "guestscope/error"
	"guestscope/pkg/proc"
)

// Pointer is a 64-bit guest pointer to target. The target may be lazy.
type Pointer struct {
	target Type
}

func PointerTo(target Type) *Pointer {
	return &Pointer{target: target}
}

func (p *Pointer) Name() string {
	if p.target == nil {
		return "void*"
	}
	return p.Target().Name() + "*"
}

func (p *Pointer) Kind() Kind           { return KindPointer }
func (p *Pointer) Size() (uint64, bool) { return 8, true }

// Target returns the resolved pointee type, nil for void pointers.
func (p *Pointer) Target() Type {
	if p.target == nil {
		return nil
	}
	return Resolve(p.target)
}

func (p *Pointer) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("%s: decode needs 8 bytes, got %d", p.Name(), len(data))
	}
	return Ptr{Type: p.Target(), Addr: binary.LittleEndian.Uint64(data)}, nil
}

func (p *Pointer) Encode(v any) ([]byte, error) {
	var addr uint64
	switch x := v.(type) {
	case Ptr:
		if !Compatible(x.Type, p.Target()) {
			return nil, fmt.Errorf("%s: cannot store a pointer to %s", p.Name(), x.Type.Name())
		}
		addr = x.Addr
	case nil:
	default:
		n, err := toUint(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		addr = n
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, addr)
	return buf, nil
}

// Ptr is a typed guest address. The zero address is null.
type Ptr struct {
	Type Type
	Addr uint64
}

func At(t Type, addr uint64) Ptr {
	return Ptr{Type: t, Addr: addr}
}

func (p Ptr) IsNull() bool { return p.Addr == 0 }

func (p Ptr) TypeName() string {
	if p.Type == nil {
		return "void"
	}
	return p.Type.Name()
}

func (p Ptr) String() string {
	return fmt.Sprintf("%s*(%#x)", p.TypeName(), p.Addr)
}

// Cast retypes p without touching memory.
func (p Ptr) Cast(t Type) Ptr {
	return Ptr{Type: t, Addr: p.Addr}
}

// RawOffset returns a pointer of type t at p.Addr+off.
func (p Ptr) RawOffset(off int64, t Type) Ptr {
	return Ptr{Type: t, Addr: p.Addr + uint64(off)}
}

// Equal is true for the same address viewed through compatible types.
func (p Ptr) Equal(q Ptr) bool {
	return p.Addr == q.Addr && Compatible(p.Type, q.Type)
}

// Less orders pointers by address.
func (p Ptr) Less(q Ptr) bool {
	return p.Addr < q.Addr
}

// Bytes reads the raw bytes p points at.
func (p Ptr) Bytes(ctx *Context) ([]byte, error) {
	size, ok := sizeOf(p.Type)
	if !ok {
		return nil, fmt.Errorf("%s has no fixed size", p.TypeName())
	}
	return ctx.read(p.Addr, size)
}

// Get dereferences p. Scalars decode to Go values, pointers to Ptr, C strings
// to bytes; aggregates return the view p itself.
func (p Ptr) Get(ctx *Context) (any, error) {
	switch t := Resolve(p.Type).(type) {
	case nil:
		return nil, fmt.Errorf("cannot dereference void pointer %#x", p.Addr)
	case *CString:
		return t.Read(ctx, p.Addr)
	case Codec:
		size, _ := t.Size()
		data, err := ctx.read(p.Addr, size)
		if err != nil {
			return nil, err
		}
		return t.Decode(data)
	default:
		return p, nil
	}
}

// Set encodes v with p's type and writes it.
func (p Ptr) Set(ctx *Context, v any) error {
	t, ok := Resolve(p.Type).(Codec)
	if !ok {
		return fmt.Errorf("%s at %#x: %w", p.TypeName(), p.Addr, e.ErrNotSettable)
	}
	data, err := t.Encode(v)
	if err != nil {
		return err
	}
	return proc.Write(ctx.Mem, p.Addr, data)
}

// Deref reads a pointer-typed p and returns the pointer it holds.
func (p Ptr) Deref(ctx *Context) (Ptr, error) {
	if _, ok := Resolve(p.Type).(*Pointer); !ok {
		return Ptr{}, fmt.Errorf("%s is not a pointer type", p.TypeName())
	}
	v, err := p.Get(ctx)
	if err != nil {
		return Ptr{}, err
	}
	return v.(Ptr), nil
}

// Field returns a pointer to the named field of a struct-like p.
func (p Ptr) Field(name string) (Ptr, error) {
	sv, ok := Resolve(p.Type).(StructView)
	if !ok {
		return Ptr{}, fmt.Errorf("%s has no fields", p.TypeName())
	}
	f, ok := sv.Lookup(name)
	if !ok {
		return Ptr{}, fmt.Errorf("%s has no field %q", p.TypeName(), name)
	}
	return Ptr{Type: f.Type, Addr: p.Addr + f.Offset}, nil
}

// MustField is Field for layouts known to contain name.
func (p Ptr) MustField(name string) Ptr {
	f, err := p.Field(name)
	if err != nil {
		panic(err)
	}
	return f
}

// GetField reads the named field.
func (p Ptr) GetField(ctx *Context, name string) (any, error) {
	f, err := p.Field(name)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

func (p Ptr) arrayView() (ArrayView, error) {
	av, ok := Resolve(p.Type).(ArrayView)
	if !ok {
		return nil, fmt.Errorf("%s is not indexable", p.TypeName())
	}
	return av, nil
}

// Len returns the element count of an array-like p.
func (p Ptr) Len(ctx *Context) (int, error) {
	av, err := p.arrayView()
	if err != nil {
		return 0, err
	}
	return av.Len(ctx, p.Addr)
}

// Index returns a pointer to element i, failing for any index outside the
// declared or stored count.
func (p Ptr) Index(ctx *Context, i int) (Ptr, error) {
	av, err := p.arrayView()
	if err != nil {
		return Ptr{}, err
	}
	return av.ElemAt(ctx, p.Addr, i)
}

// Items returns pointers to every element.
func (p Ptr) Items(ctx *Context) ([]Ptr, error) {
	if l, ok := Resolve(p.Type).(*List); ok {
		return l.Items(ctx, p.Addr, false)
	}
	n, err := p.Len(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Ptr, 0, n)
	for i := 0; i < n; i++ {
		el, err := p.Index(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, el)
	}
	return out, nil
}

// Values reads every element.
func (p Ptr) Values(ctx *Context) ([]any, error) {
	items, err := p.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		v, err := it.Get(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
