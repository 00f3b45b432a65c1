package overlay

import (
	"github.com/google/btree"
)

// PointerSet is an address-ordered set of pointers, used to deduplicate
// pointers discovered while walking guest structures.
type PointerSet struct {
	tree *btree.BTreeG[Ptr]
}

func NewPointerSet() *PointerSet {
	return &PointerSet{tree: btree.NewG(8, Ptr.Less)}
}

// Add inserts p and reports whether it was not already present.
func (s *PointerSet) Add(p Ptr) bool {
	_, existed := s.tree.ReplaceOrInsert(p)
	return !existed
}

func (s *PointerSet) Has(p Ptr) bool {
	return s.tree.Has(p)
}

func (s *PointerSet) Remove(p Ptr) bool {
	_, ok := s.tree.Delete(p)
	return ok
}

func (s *PointerSet) Len() int {
	return s.tree.Len()
}

// Ascend visits pointers in address order until fn returns false.
func (s *PointerSet) Ascend(fn func(Ptr) bool) {
	s.tree.Ascend(fn)
}

// Slice returns the pointers in address order.
func (s *PointerSet) Slice() []Ptr {
	out := make([]Ptr, 0, s.tree.Len())
	s.tree.Ascend(func(p Ptr) bool {
		out = append(out, p)
		return true
	})
	return out
}
