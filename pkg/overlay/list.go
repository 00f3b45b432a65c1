package overlay

import (
	"errors"
	"fmt"

	e "guestscope/error"
)

// ListLayout places the fields of an intrusive list head. The head is a
// sentinel node: its prev/next links sit at the same offsets as every
// element's embedded node.
type ListLayout struct {
	Prev       uint64
	Next       uint64
	Count      uint64
	LinkOffset uint64
	Size       uint64
}

var DefaultListLayout = ListLayout{
	Prev:       0,
	Next:       8,
	Count:      0x10,
	LinkOffset: 0x14,
	Size:       0x18,
}

// ListNode is the node embedded in every list element.
var ListNode = newListNode()

func newListNode() *Struct {
	var node *Struct
	self := Lazy(func() Type { return node })
	node = NewStruct("ListNode", 0x10,
		Field{Name: "prev", Offset: 0, Type: PointerTo(self)},
		Field{Name: "next", Offset: 8, Type: PointerTo(self)},
	)
	return node
}

// List is an intrusive doubly linked list of elem records. Each record embeds
// a node; the link offset (stored in the head, or fixed at declaration)
// converts a node address back into the record address.
type List struct {
	*Struct
	elem       Type
	layout     ListLayout
	fixedLink  uint64
	storedLink bool
}

// ListOf declares a list whose head stores the link offset.
func ListOf(elem Type) *List {
	return newList(elem, DefaultListLayout, 0, true)
}

// ListOfAt declares a list whose link offset is fixed to linkOffset.
func ListOfAt(elem Type, linkOffset uint64) *List {
	return newList(elem, DefaultListLayout, linkOffset, false)
}

// ListWithLayout declares a list with a custom head layout.
func ListWithLayout(elem Type, layout ListLayout, linkOffset uint64, stored bool) *List {
	return newList(elem, layout, linkOffset, stored)
}

func newList(elem Type, layout ListLayout, linkOffset uint64, stored bool) *List {
	fields := []Field{
		{Name: "prev", Offset: layout.Prev, Type: PointerTo(ListNode)},
		{Name: "next", Offset: layout.Next, Type: PointerTo(ListNode)},
		{Name: "count", Offset: layout.Count, Type: U32},
	}
	if stored {
		fields = append(fields, Field{Name: "link_offset", Offset: layout.LinkOffset, Type: U32})
	}
	return &List{
		Struct:     NewStruct("", layout.Size, fields...),
		elem:       elem,
		layout:     layout,
		fixedLink:  linkOffset,
		storedLink: stored,
	}
}

func (l *List) Name() string { return fmt.Sprintf("list<%s>", l.Elem().Name()) }
func (l *List) Kind() Kind   { return KindList }
func (l *List) Elem() Type   { return Resolve(l.elem) }

func (l *List) Len(ctx *Context, head uint64) (int, error) {
	n, err := ctx.readU32(head + l.layout.Count)
	return int(n), err
}

func (l *List) linkOffset(ctx *Context, head uint64) (uint64, error) {
	if !l.storedLink {
		return l.fixedLink, nil
	}
	off, err := ctx.readU32(head + l.layout.LinkOffset)
	return uint64(off), err
}

var errStop = errors.New("stop")

// Each calls fn with every element, following next links (prev links when
// reverse is set) until the walk returns to head. The number of nodes
// visited must match the stored count; a mismatch is reported as a
// structural error rather than looping or truncating.
func (l *List) Each(ctx *Context, head uint64, reverse bool, fn func(Ptr) error) error {
	expected, err := l.Len(ctx, head)
	if err != nil {
		return err
	}
	linkOff, err := l.linkOffset(ctx, head)
	if err != nil {
		return err
	}
	step := l.layout.Next
	if reverse {
		step = l.layout.Prev
	}

	link, err := ctx.readU64(head + step)
	if err != nil {
		return err
	}
	actual := 0
	for link != head {
		if link == 0 {
			return &e.StructuralError{Addr: head, Reason: fmt.Sprintf("null link after %d of %d nodes", actual, expected)}
		}
		actual++
		if actual > expected {
			return &e.StructuralError{Addr: head, Reason: fmt.Sprintf("list holds more than its count of %d nodes", expected)}
		}
		next, err := ctx.readU64(link + step)
		if err != nil {
			return err
		}
		if err := fn(Ptr{Type: l.Elem(), Addr: link - linkOff}); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
		link = next
	}
	if actual != expected {
		return &e.StructuralError{Addr: head, Reason: fmt.Sprintf("visited %d nodes, count says %d", actual, expected)}
	}
	return nil
}

// Items collects every element.
func (l *List) Items(ctx *Context, head uint64, reverse bool) ([]Ptr, error) {
	var out []Ptr
	err := l.Each(ctx, head, reverse, func(p Ptr) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// ElemAt walks to the i-th element. A negative i counts from the end.
func (l *List) ElemAt(ctx *Context, head uint64, i int) (Ptr, error) {
	n, err := l.Len(ctx, head)
	if err != nil {
		return Ptr{}, err
	}
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return Ptr{}, e.OutOfRange(head, i, n)
	}
	var found Ptr
	idx := 0
	err = l.Each(ctx, head, false, func(p Ptr) error {
		if idx == i {
			found = p
			return errStop
		}
		idx++
		return nil
	})
	return found, err
}
