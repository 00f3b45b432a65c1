package layout

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"

	e "guestscope/error"
	"guestscope/pkg/overlay"
)

// Registry builds overlay types out of catalog declarations and type
// expressions.
//
// Type expressions:
//
//	u8 u16 u32 u64 s8 s16 s32 s64 f32 f64 usize   primitives
//	cstr                                          NUL terminated string
//	pmf                                           member function pointer
//	Name                                          a declared struct
//	vector<T>                                     count/capacity/base header
//	list<T> list<T, 0x18>                         intrusive list head, link offset stored or fixed
//	T*  void*  T[4]                               pointers and fixed arrays
type Registry struct {
	specs  map[string]TypeSpec
	fields map[string][]overlay.Field
	named  map[string]*overlay.LazyType
	names  *trie.Trie
}

// NewRegistry checks every declaration and builds all of them, so that a
// Registry that exists never fails to resolve a declared name.
func NewRegistry(specs map[string]TypeSpec) (*Registry, error) {
	r := &Registry{
		specs:  specs,
		fields: make(map[string][]overlay.Field, len(specs)),
		named:  make(map[string]*overlay.LazyType, len(specs)),
		names:  trie.New(),
	}
	for name := range specs {
		if !validIdent(name) {
			return nil, fmt.Errorf("type name %q is not an identifier", name)
		}
		if _, ok := overlay.Primitives[name]; ok || reserved[name] {
			return nil, fmt.Errorf("type name %q is reserved", name)
		}
		r.names.Add(name, nil)
	}

	for name, spec := range specs {
		fs, err := r.checkSpec(name, spec)
		if err != nil {
			return nil, err
		}
		r.fields[name] = fs
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}

	for _, name := range r.Names("") {
		if err := r.force(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var reserved = map[string]bool{"void": true, "cstr": true, "pmf": true, "vector": true, "list": true}

func (r *Registry) build(name string) overlay.Type {
	spec := r.specs[name]
	if spec.Base != "" {
		base := overlay.Resolve(r.lazy(spec.Base)).(*overlay.Struct)
		return base.Extend(name, spec.Size, r.fields[name]...)
	}
	return overlay.NewStruct(name, spec.Size, r.fields[name]...)
}

// force resolves one declaration, turning the declaration panics of the
// overlay package into errors.
func (r *Registry) force(name string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("type %s: %v", name, p)
		}
	}()
	s, ok := overlay.Resolve(r.lazy(name)).(*overlay.Struct)
	if !ok || s == nil {
		return fmt.Errorf("type %s did not build", name)
	}
	return s.Validate()
}

func (r *Registry) checkSpec(name string, spec TypeSpec) ([]overlay.Field, error) {
	if spec.Base != "" {
		base, ok := r.specs[spec.Base]
		if !ok {
			return nil, fmt.Errorf("type %s: base %q: %w", name, spec.Base, e.ErrUnknownType)
		}
		if spec.Size != 0 && spec.Size < base.Size {
			return nil, fmt.Errorf("type %s (%#x bytes) is smaller than its base %s (%#x bytes)", name, spec.Size, spec.Base, base.Size)
		}
	}
	out := make([]overlay.Field, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("type %s: field at %#x has no name", name, f.Offset)
		}
		t, err := r.Parse(f.Type)
		if err != nil {
			return nil, fmt.Errorf("type %s.%s: %w", name, f.Name, err)
		}
		if spec.Size != 0 && f.Offset >= spec.Size {
			return nil, fmt.Errorf("type %s.%s at %#x is outside %#x bytes: %w", name, f.Name, f.Offset, spec.Size, e.ErrStructural)
		}
		out = append(out, overlay.Field{Name: f.Name, Offset: f.Offset, Type: t, Hidden: f.Hidden, Deep: f.Deep})
	}
	return out, nil
}

// checkCycles rejects structs that contain themselves by value, directly or
// through bases, arrays or other structs. Containment through pointers is
// fine.
func (r *Registry) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.specs))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("type %s contains itself: %s", name, strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range r.valueDeps(name) {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range r.Names("") {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) valueDeps(name string) []string {
	spec := r.specs[name]
	var deps []string
	if spec.Base != "" {
		deps = append(deps, spec.Base)
	}
	for _, f := range spec.Fields {
		if dep := byValueName(f.Type); dep != "" {
			if _, ok := r.specs[dep]; ok {
				deps = append(deps, dep)
			}
		}
	}
	return deps
}

// byValueName returns the struct name a field type embeds by value: the
// leading identifier when no pointer star follows it.
func byValueName(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.Contains(expr, "*") || strings.Contains(expr, "<") {
		return ""
	}
	if i := strings.IndexByte(expr, '['); i >= 0 {
		expr = expr[:i]
	}
	return strings.TrimSpace(expr)
}

// lazy returns the one memoized node for a declared name, so every
// reference to a struct shares its descriptor.
func (r *Registry) lazy(name string) *overlay.LazyType {
	if l, ok := r.named[name]; ok {
		return l
	}
	l := overlay.Lazy(func() overlay.Type { return r.build(name) })
	r.named[name] = l
	return l
}

// Lookup returns a declared struct by name.
func (r *Registry) Lookup(name string) (overlay.Type, error) {
	if p, ok := overlay.Primitives[name]; ok {
		return p, nil
	}
	if _, ok := r.specs[name]; !ok {
		return nil, fmt.Errorf("%q: %w", name, e.ErrUnknownType)
	}
	return r.lazy(name), nil
}

// Struct is Lookup for callers that need the struct itself.
func (r *Registry) Struct(name string) (*overlay.Struct, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	s, ok := overlay.Resolve(t).(*overlay.Struct)
	if !ok {
		return nil, fmt.Errorf("%q is a %v, not a struct", name, t.Kind())
	}
	return s, nil
}

// Names lists the declared struct names starting with prefix, sorted.
func (r *Registry) Names(prefix string) []string {
	out := r.names.PrefixSearch(prefix)
	sort.Strings(out)
	return out
}

// Parse builds the type an expression denotes.
func (r *Registry) Parse(expr string) (overlay.Type, error) {
	p := &typeParser{r: r, s: expr}
	t, err := p.parseType()
	if err != nil {
		return nil, fmt.Errorf("type %q: %w", expr, err)
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("type %q: unexpected %q", expr, p.s[p.pos:])
	}
	return t, nil
}

type typeParser struct {
	r   *Registry
	s   string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *typeParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c == ':', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return true
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && isIdentByte(p.s[p.pos], p.pos == start) {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *typeParser) number() (uint64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && (isIdentByte(p.s[p.pos], false)) {
		p.pos++
	}
	n, err := strconv.ParseUint(p.s[start:p.pos], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", p.s[start:p.pos])
	}
	return n, nil
}

func (p *typeParser) parseType() (overlay.Type, error) {
	name := p.ident()
	if name == "" {
		return nil, fmt.Errorf("expected a type name at offset %d", p.pos)
	}

	var t overlay.Type
	void := false
	switch name {
	case "void":
		void = true
	case "cstr":
		t = overlay.CStr
	case "pmf":
		t = overlay.MemberFuncPtr
	case "vector":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		t = overlay.VectorOf(elem)
	case "list":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		t = overlay.ListOf(elem)
		if p.peek() == ',' {
			p.pos++
			off, err := p.number()
			if err != nil {
				return nil, err
			}
			t = overlay.ListOfAt(elem, off)
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
	default:
		var err error
		if t, err = p.r.Lookup(name); err != nil {
			return nil, err
		}
	}

	for {
		switch p.peek() {
		case '*':
			p.pos++
			if void {
				t, void = overlay.PointerTo(nil), false
			} else {
				t = overlay.PointerTo(t)
			}
		case '[':
			p.pos++
			if void {
				return nil, fmt.Errorf("array of void")
			}
			n, err := p.number()
			if err != nil {
				return nil, err
			}
			if err := p.expect(']'); err != nil {
				return nil, err
			}
			t = overlay.ArrayOf(t, int(n))
		default:
			if void {
				return nil, fmt.Errorf("void is only valid behind a pointer")
			}
			return t, nil
		}
	}
}
