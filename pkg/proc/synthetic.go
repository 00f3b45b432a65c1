package proc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type region struct {
	start    uint64
	data     []byte
	readOnly bool
}

func (r *region) end() uint64 { return r.start + uint64(len(r.data)) }

func regionLess(a, b *region) bool { return a.start < b.start }

// Synthetic is a sparse in-memory address space. Accesses stop at the first
// unmapped byte, which makes it a convenient stand-in for a real guest.
type Synthetic struct {
	mu      sync.Mutex
	regions *btree.BTreeG[*region]
	images  []ImageInfo

	reads  int
	writes int
}

func NewSynthetic() *Synthetic {
	return &Synthetic{regions: btree.NewG(8, regionLess)}
}

// Map adds a writable region initialized with a copy of data.
func (s *Synthetic) Map(addr uint64, data []byte) error {
	return s.mapRegion(addr, data, false)
}

// MapReadOnly adds a region that rejects writes.
func (s *Synthetic) MapReadOnly(addr uint64, data []byte) error {
	return s.mapRegion(addr, data, true)
}

// MapZero adds a writable zero-filled region of size bytes.
func (s *Synthetic) MapZero(addr, size uint64) error {
	return s.mapRegion(addr, make([]byte, size), false)
}

func (s *Synthetic) mapRegion(addr uint64, data []byte, ro bool) error {
	if len(data) == 0 {
		return fmt.Errorf("empty region at %#x", addr)
	}
	if uint64(len(data))-1 > ^uint64(0)-addr {
		return fmt.Errorf("region at %#x wraps the address space", addr)
	}
	r := &region{start: addr, data: append([]byte(nil), data...), readOnly: ro}

	s.mu.Lock()
	defer s.mu.Unlock()
	var overlap *region
	s.regions.DescendLessOrEqual(&region{start: r.end() - 1}, func(o *region) bool {
		if o.end() > addr {
			overlap = o
		}
		return false
	})
	if overlap != nil {
		return fmt.Errorf("region [%#x, %#x) overlaps [%#x, %#x)", addr, r.end(), overlap.start, overlap.end())
	}
	s.regions.ReplaceOrInsert(r)
	return nil
}

// SetImages sets what ExtractImageInfo reports.
func (s *Synthetic) SetImages(images []ImageInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append([]ImageInfo(nil), images...)
}

func (s *Synthetic) ExtractImageInfo() ([]ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ImageInfo(nil), s.images...), nil
}

// find returns the region containing addr, if any. Callers hold s.mu.
func (s *Synthetic) find(addr uint64) *region {
	var found *region
	s.regions.DescendLessOrEqual(&region{start: addr}, func(r *region) bool {
		if addr < r.end() {
			found = r
		}
		return false
	})
	return found
}

func (s *Synthetic) TryRead(addr, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	size = ClampSize(addr, size)
	out := make([]byte, 0, size)
	cur := addr
	for uint64(len(out)) < size {
		r := s.find(cur)
		if r == nil {
			break
		}
		off := cur - r.start
		n := min(uint64(len(r.data))-off, size-uint64(len(out)))
		out = append(out, r.data[off:off+n]...)
		cur += n
	}
	return out, nil
}

func (s *Synthetic) TryWrite(addr uint64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++

	size := ClampSize(addr, uint64(len(data)))
	done := uint64(0)
	for done < size {
		r := s.find(addr + done)
		if r == nil || r.readOnly {
			break
		}
		off := addr + done - r.start
		n := uint64(copy(r.data[off:], data[done:size]))
		done += n
	}
	return int(done), nil
}

// Counts reports how many TryRead and TryWrite calls reached this backend.
func (s *Synthetic) Counts() (reads, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes
}
