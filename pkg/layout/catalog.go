// Package layout loads the per-build catalog of guest addresses and struct
// layouts and maps image-relative addresses onto a running guest.
package layout

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldSpec declares one struct member in the catalog.
type FieldSpec struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset"`
	Type   string `yaml:"type"`
	Hidden bool   `yaml:"hidden,omitempty"`
	Deep   bool   `yaml:"deep,omitempty"`
}

// TypeSpec declares a struct. Base names a struct whose fields come first.
type TypeSpec struct {
	Size   uint64      `yaml:"size"`
	Base   string      `yaml:"base,omitempty"`
	Fields []FieldSpec `yaml:"fields"`
}

// Build is everything known about one build of the guest's main image.
// Addresses are relative to the image start.
type Build struct {
	Version string              `yaml:"version"`
	Addrs   map[string]uint64   `yaml:"addrs"`
	Types   map[string]TypeSpec `yaml:"types,omitempty"`
}

// DotNote is the image-relative address of the build's .note section, if
// the catalog records it.
func (b *Build) DotNote() (uint64, bool) {
	v, ok := b.Addrs["dot_note"]
	return v, ok
}

// Catalog maps a build id (hex, 32 bytes zero padded) to its build.
type Catalog map[string]*Build

// BuildIDKey renders a 16-byte build id the way catalog keys spell it.
func BuildIDKey(id []byte) string {
	padded := make([]byte, 32)
	copy(padded, id)
	return hex.EncodeToString(padded)
}

// Parse decodes a catalog and checks its keys.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for id, b := range c {
		if len(id) != 64 {
			return nil, fmt.Errorf("catalog build id %q: want 64 hex digits", id)
		}
		if _, err := hex.DecodeString(id); err != nil {
			return nil, fmt.Errorf("catalog build id %q: %w", id, err)
		}
		if b == nil {
			return nil, fmt.Errorf("catalog build %s is empty", id)
		}
		if strings.ToLower(id) != id {
			delete(c, id)
			c[strings.ToLower(id)] = b
		}
	}
	return c, nil
}

// Load reads and parses the catalog file at path.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// DotNotes lists the distinct .note addresses across builds, in ascending
// order; detection probes each of them.
func (c Catalog) DotNotes() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, b := range c {
		if v, ok := b.DotNote(); ok && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Marshal renders the catalog back to YAML.
func (c Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
