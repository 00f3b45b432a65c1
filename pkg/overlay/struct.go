package overlay

import (
	"fmt"
)

// Field is one member of a struct layout.
type Field struct {
	Name   string
	Offset uint64
	Type   Type
	// Hidden fields are addressable but left out of dumps.
	Hidden bool
	// Deep pointer fields are followed when dumping.
	Deep bool
}

// Struct is an ordered table of fields at fixed offsets. A size of zero
// means the size is not known.
type Struct struct {
	name   string
	size   uint64
	fields []Field
	index  map[string]int
}

// NewStruct declares a struct layout. It panics if a field lies outside the
// declared size or two fields share a name, since layouts are static
// declarations.
func NewStruct(name string, size uint64, fields ...Field) *Struct {
	s := &Struct{name: name, size: size, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		s.add(f)
	}
	return s
}

// Extend declares a struct that starts with every field of s.
func (s *Struct) Extend(name string, size uint64, fields ...Field) *Struct {
	if size != 0 && size < s.size {
		panic(fmt.Sprintf("overlay: %s (%#x bytes) is smaller than its base %s (%#x bytes)", name, size, s.name, s.size))
	}
	d := NewStruct(name, size)
	for _, f := range s.fields {
		d.add(f)
	}
	for _, f := range fields {
		d.add(f)
	}
	return d
}

func (s *Struct) add(f Field) {
	if _, dup := s.index[f.Name]; dup {
		panic(fmt.Sprintf("overlay: %s declares field %q twice", s.name, f.Name))
	}
	if f.Type == nil {
		panic(fmt.Sprintf("overlay: %s.%s has no type", s.name, f.Name))
	}
	if s.size != 0 {
		if f.Offset >= s.size {
			panic(fmt.Sprintf("overlay: %s.%s at %#x is outside %#x bytes", s.name, f.Name, f.Offset, s.size))
		}
		// lazy field types are checked by Validate once they can be built
		if _, lazy := f.Type.(*LazyType); !lazy {
			if fs, ok := f.Type.Size(); ok && fs > s.size-f.Offset {
				panic(fmt.Sprintf("overlay: %s.%s (%#x bytes at %#x) overruns %#x bytes", s.name, f.Name, fs, f.Offset, s.size))
			}
		}
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
}

func (s *Struct) Name() string { return s.name }
func (s *Struct) Kind() Kind   { return KindStruct }

func (s *Struct) Size() (uint64, bool) {
	return s.size, s.size != 0
}

func (s *Struct) Fields() []Field {
	return s.fields
}

func (s *Struct) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Validate resolves every lazy field type and checks it fits.
func (s *Struct) Validate() error {
	if s.size == 0 {
		return nil
	}
	for _, f := range s.fields {
		fs, ok := sizeOf(f.Type)
		if ok && fs > s.size-f.Offset {
			return fmt.Errorf("%s.%s (%#x bytes at %#x) overruns %#x bytes", s.name, f.Name, fs, f.Offset, s.size)
		}
	}
	return nil
}

// DecodeFields decodes every scalar field out of a buffer holding the whole
// struct. Aggregate fields are skipped.
func (s *Struct) DecodeFields(data []byte) (map[string]any, error) {
	out := make(map[string]any)
	for _, f := range s.fields {
		c, ok := Resolve(f.Type).(Codec)
		if !ok {
			continue
		}
		fs, _ := c.Size()
		if f.Offset+fs > uint64(len(data)) {
			return nil, fmt.Errorf("%s.%s: need %#x bytes, have %#x", s.name, f.Name, f.Offset+fs, len(data))
		}
		v, err := c.Decode(data[f.Offset : f.Offset+fs])
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

// DecodeValue decodes data as a value of t: scalars through their codec,
// structs into a field map, anything else stays raw.
func DecodeValue(t Type, data []byte) (any, error) {
	switch r := Resolve(t).(type) {
	case Codec:
		return r.Decode(data)
	case StructView:
		if s, ok := r.(interface {
			DecodeFields([]byte) (map[string]any, error)
		}); ok {
			return s.DecodeFields(data)
		}
	}
	return data, nil
}
