package overlay

import (
	"fmt"

	e "guestscope/error"
)

// FixedArray is count consecutive elements.
type FixedArray struct {
	elem  Type
	count int
}

func ArrayOf(elem Type, count int) *FixedArray {
	if count < 0 {
		panic(fmt.Sprintf("overlay: negative array count %d", count))
	}
	return &FixedArray{elem: elem, count: count}
}

func (a *FixedArray) Name() string { return fmt.Sprintf("%s[%d]", a.Elem().Name(), a.count) }
func (a *FixedArray) Kind() Kind   { return KindArray }
func (a *FixedArray) Elem() Type   { return Resolve(a.elem) }
func (a *FixedArray) Count() int   { return a.count }

func (a *FixedArray) Size() (uint64, bool) {
	es, ok := sizeOf(a.elem)
	if !ok {
		return 0, false
	}
	return es * uint64(a.count), true
}

func (a *FixedArray) Len(*Context, uint64) (int, error) {
	return a.count, nil
}

func (a *FixedArray) ElemAt(_ *Context, addr uint64, i int) (Ptr, error) {
	if i < 0 || i >= a.count {
		return Ptr{}, e.OutOfRange(addr, i, a.count)
	}
	return elemPtr(a.elem, addr, i)
}

func elemPtr(elem Type, base uint64, i int) (Ptr, error) {
	es, ok := sizeOf(elem)
	if !ok {
		return Ptr{}, fmt.Errorf("element type %s has no fixed size", Resolve(elem).Name())
	}
	return Ptr{Type: Resolve(elem), Addr: base + uint64(i)*es}, nil
}

// VectorLayout places the count and base pointer of a length-prefixed array.
type VectorLayout struct {
	CountOffset    uint64
	CapacityOffset uint64
	HasCapacity    bool
	BaseOffset     uint64
	Size           uint64
}

// DefaultVectorLayout is {count u32, capacity u32, base pointer}.
var DefaultVectorLayout = VectorLayout{
	CountOffset:    0,
	CapacityOffset: 4,
	HasCapacity:    true,
	BaseOffset:     8,
	Size:           0x10,
}

// Vector is a length-prefixed array: a small header holding a u32 count and a
// pointer to the elements. It is both a struct and an array over the same
// address.
type Vector struct {
	*Struct
	elem   Type
	layout VectorLayout
}

func VectorOf(elem Type) *Vector {
	return VectorWithLayout("", elem, DefaultVectorLayout)
}

func VectorWithLayout(name string, elem Type, layout VectorLayout) *Vector {
	v := &Vector{elem: elem, layout: layout}
	fields := []Field{
		{Name: "count", Offset: layout.CountOffset, Type: U32},
		{Name: "base", Offset: layout.BaseOffset, Type: PointerTo(elem)},
	}
	if layout.HasCapacity {
		fields = append(fields, Field{Name: "capacity", Offset: layout.CapacityOffset, Type: U32})
	}
	v.Struct = NewStruct(name, layout.Size, fields...)
	return v
}

func (v *Vector) Name() string {
	if v.Struct.name != "" {
		return v.Struct.name
	}
	return fmt.Sprintf("vec<%s>", v.Elem().Name())
}

func (v *Vector) Kind() Kind { return KindVector }
func (v *Vector) Elem() Type { return Resolve(v.elem) }

func (v *Vector) Len(ctx *Context, addr uint64) (int, error) {
	n, err := ctx.readU32(addr + v.layout.CountOffset)
	return int(n), err
}

func (v *Vector) ElemAt(ctx *Context, addr uint64, i int) (Ptr, error) {
	n, err := v.Len(ctx, addr)
	if err != nil {
		return Ptr{}, err
	}
	if i < 0 || i >= n {
		return Ptr{}, e.OutOfRange(addr, i, n)
	}
	base, err := ctx.readU64(addr + v.layout.BaseOffset)
	if err != nil {
		return Ptr{}, err
	}
	return elemPtr(v.elem, base, i)
}
