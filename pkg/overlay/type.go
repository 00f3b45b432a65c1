// Package overlay describes C-like guest layouts and navigates guest memory
// through them.
//
// A Type says how bytes are laid out; a Ptr pairs a Type with a guest
// address. Nothing in this package holds on to guest memory: every call that
// reads or writes takes a *Context.
package overlay

import (
	"sync"

	"guestscope/pkg/proc"
)

type Kind uint8

const (
	KindPrimitive Kind = iota + 1
	KindPointer
	KindArray
	KindVector
	KindStruct
	KindCString
	KindMemberFunc
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindVector:
		return "vector"
	case KindStruct:
		return "struct"
	case KindCString:
		return "cstring"
	case KindMemberFunc:
		return "memberfunc"
	case KindList:
		return "list"
	}
	return "invalid"
}

// Type is a layout descriptor.
type Type interface {
	Name() string
	Kind() Kind
	// Size is the number of bytes a value occupies. ok is false for types
	// without a fixed size, such as C strings.
	Size() (size uint64, ok bool)
}

// Codec is implemented by types whose values decode from a fixed-size span.
type Codec interface {
	Type
	Decode(data []byte) (any, error)
	Encode(v any) ([]byte, error)
}

// StructView is implemented by types with named fields.
type StructView interface {
	Type
	Fields() []Field
	Lookup(name string) (Field, bool)
}

// ArrayView is implemented by types with indexable elements.
type ArrayView interface {
	Type
	Elem() Type
	Len(ctx *Context, addr uint64) (int, error)
	ElemAt(ctx *Context, addr uint64, i int) (Ptr, error)
}

// Context carries the memory every decode, encode and traversal goes through.
type Context struct {
	Mem proc.Memory
}

func NewContext(mem proc.Memory) *Context {
	return &Context{Mem: mem}
}

type scoper interface {
	Do(fn func() error) error
}

// Do runs fn inside a cache scope when the context memory supports one.
func (c *Context) Do(fn func() error) error {
	if s, ok := c.Mem.(scoper); ok {
		return s.Do(fn)
	}
	return fn()
}

func (c *Context) read(addr, size uint64) ([]byte, error) {
	return proc.Read(c.Mem, addr, size)
}

func (c *Context) readU64(addr uint64) (uint64, error) {
	return proc.ReadUint64(c.Mem, addr)
}

func (c *Context) readU32(addr uint64) (uint32, error) {
	return proc.ReadUint32(c.Mem, addr)
}

// LazyType defers building a type until first use, which lets declarations
// refer to types defined later or to themselves through pointers.
type LazyType struct {
	once sync.Once
	fn   func() Type
	t    Type
}

func Lazy(fn func() Type) *LazyType {
	return &LazyType{fn: fn}
}

// Resolve builds the type on first call and returns the memoized result.
func (l *LazyType) Resolve() Type {
	l.once.Do(func() {
		l.t = Resolve(l.fn())
		l.fn = nil
	})
	return l.t
}

func (l *LazyType) Name() string         { return l.Resolve().Name() }
func (l *LazyType) Kind() Kind           { return l.Resolve().Kind() }
func (l *LazyType) Size() (uint64, bool) { return l.Resolve().Size() }

// Resolve strips any lazy wrappers from t.
func Resolve(t Type) Type {
	for {
		l, ok := t.(*LazyType)
		if !ok {
			return t
		}
		t = l.Resolve()
	}
}

// Compatible reports whether two descriptors describe the same layout.
func Compatible(a, b Type) bool {
	a, b = Resolve(a), Resolve(b)
	if a == nil || b == nil || a == b {
		return true
	}
	return a.Kind() == b.Kind() && a.Name() == b.Name()
}

func sizeOf(t Type) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	return Resolve(t).Size()
}
