package layout

import (
	"fmt"
	"sort"

	"github.com/derekparker/trie"

	e "guestscope/error"
	"guestscope/pkg/proc"
)

// GhidraBase is where disassemblers conventionally load the main image.
const GhidraBase = 0x7100000000

// Mapper ties a catalog build to the images of one guest.
type Mapper struct {
	BuildID string
	Build   *Build
	Images  []proc.ImageInfo
	// Main is the image the build describes; nil for a detached mapper.
	Main *proc.ImageInfo

	slide   uint64
	symbols *trie.Trie
	byAddr  []symbol
	types   *Registry
}

type symbol struct {
	name string
	addr uint64
}

// Detect lists the guest's images, bounds them with their MOD0 headers and
// identifies the main image by probing every catalog .note address for a
// build id the catalog knows.
func Detect(mem proc.Memory, cat Catalog) (*Mapper, error) {
	src, ok := mem.(proc.ImageInfoSource)
	if !ok {
		return nil, fmt.Errorf("%T cannot list images: %w", mem, e.ErrNotSupported)
	}
	images, err := src.ExtractImageInfo()
	if err != nil {
		return nil, err
	}
	images, err = proc.LoadImageBounds(mem, images)
	if err != nil {
		return nil, err
	}

	notes := cat.DotNotes()
	for i := range images {
		ii := &images[i]
		for _, note := range notes {
			if note >= ii.ImageSize {
				continue
			}
			raw, err := mem.TryRead(ii.ImageStart+note+16, 16)
			if err != nil {
				return nil, err
			}
			if len(raw) != 16 {
				continue
			}
			key := BuildIDKey(raw)
			if _, known := cat[key]; !known {
				continue
			}
			copy(ii.BuildID[:], raw)
			m, err := newMapper(cat, key, ii.ImageStart)
			if err != nil {
				return nil, err
			}
			m.Images = images
			m.Main = ii
			return m, nil
		}
	}
	return nil, fmt.Errorf("unable to guess build ID among %d images: %w", len(images), e.ErrBuildIDMismatch)
}

// Detached returns a mapper for a build without a guest; addresses are not
// slid.
func Detached(cat Catalog, buildID string) (*Mapper, error) {
	return newMapper(cat, buildID, 0)
}

func newMapper(cat Catalog, buildID string, slide uint64) (*Mapper, error) {
	b, ok := cat[buildID]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", buildID, e.ErrBuildIDMismatch)
	}
	types, err := NewRegistry(b.Types)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", buildID, err)
	}
	m := &Mapper{
		BuildID: buildID,
		Build:   b,
		slide:   slide,
		symbols: trie.New(),
		types:   types,
	}
	for name, addr := range b.Addrs {
		m.symbols.Add(name, addr)
		m.byAddr = append(m.byAddr, symbol{name: name, addr: addr})
	}
	sort.Slice(m.byAddr, func(i, j int) bool {
		if m.byAddr[i].addr != m.byAddr[j].addr {
			return m.byAddr[i].addr < m.byAddr[j].addr
		}
		return m.byAddr[i].name < m.byAddr[j].name
	})
	return m, nil
}

func (m *Mapper) Version() string { return m.Build.Version }

// Types returns the struct layouts declared for this build.
func (m *Mapper) Types() *Registry { return m.types }

// Slide converts an image-relative address to a guest address. Zero stays
// zero so null pointers survive.
func (m *Mapper) Slide(addr uint64) uint64 {
	if addr == 0 {
		return 0
	}
	return addr + m.slide
}

func (m *Mapper) Unslide(addr uint64) uint64 {
	if addr == 0 {
		return 0
	}
	return addr - m.slide
}

// UnslideEx finds the image containing addr and returns the offset into it.
// Addresses outside every image come back unchanged with a nil image.
func (m *Mapper) UnslideEx(addr uint64) (*proc.ImageInfo, uint64) {
	if ii, ok := proc.FindImage(m.Images, addr); ok {
		return ii, addr - ii.ImageStart
	}
	return nil, addr
}

func (m *Mapper) gslide() uint64 { return m.slide - GhidraBase }

// GSlide converts a disassembler address (image loaded at GhidraBase) to a
// guest address.
func (m *Mapper) GSlide(addr uint64) uint64 { return addr + m.gslide() }

func (m *Mapper) GUnslide(addr uint64) uint64 { return addr - m.gslide() }

// Lookup returns the slid address of a catalog symbol.
func (m *Mapper) Lookup(name string) (uint64, bool) {
	node, ok := m.symbols.Find(name)
	if !ok {
		return 0, false
	}
	return m.Slide(node.Meta().(uint64)), true
}

// Addr is Lookup with an error for unknown names.
func (m *Mapper) Addr(name string) (uint64, error) {
	addr, ok := m.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%q in build %s: %w", name, m.Version(), e.ErrUnknownSymbol)
	}
	return addr, nil
}

// Symbols lists the catalog symbols starting with prefix, sorted.
func (m *Mapper) Symbols(prefix string) []string {
	names := m.symbols.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// Symbolize names a guest address as symbol+offset using the closest
// catalog symbol at or below it, falling back to image+offset.
func (m *Mapper) Symbolize(addr uint64) string {
	rel := m.Unslide(addr)
	i := sort.Search(len(m.byAddr), func(i int) bool { return m.byAddr[i].addr > rel })
	if i > 0 && addr != 0 {
		s := m.byAddr[i-1]
		if off := rel - s.addr; off == 0 {
			return s.name
		} else if m.Main == nil || m.Main.Contains(addr) {
			return fmt.Sprintf("%s+%#x", s.name, off)
		}
	}
	if ii, off := m.UnslideEx(addr); ii != nil {
		return fmt.Sprintf("%s+%#x", ii.Name, off)
	}
	return fmt.Sprintf("%#x", addr)
}
