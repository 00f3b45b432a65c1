// Package native reads and writes the memory of a local process, the way an
// emulator hosting the guest exposes it.
package native

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"guestscope/pkg/proc"
)

// MemoryRegion is one line of /proc/[pid]/maps.
type MemoryRegion struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Device string
	Inode  uint64
	Path   string
}

func (r MemoryRegion) Readable() bool   { return strings.HasPrefix(r.Perms, "r") }
func (r MemoryRegion) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// ParseMaps decodes the /proc/[pid]/maps format.
func ParseMaps(r io.Reader) ([]MemoryRegion, error) {
	var regions []MemoryRegion
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("maps line %d: %q", n, line)
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("maps line %d: bad range %q", n, fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", n, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", n, err)
		}
		region := MemoryRegion{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: parseHex(fields[2]),
			Device: fields[3],
		}
		if region.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
			return nil, fmt.Errorf("maps line %d: bad inode %q", n, fields[4])
		}
		if len(fields) > 5 {
			region.Path = strings.Join(fields[5:], " ")
		}
		regions = append(regions, region)
	}
	return regions, sc.Err()
}

func parseHex(s string) uint64 {
	if s == "0" {
		return 0
	}
	val, _ := strconv.ParseUint(s, 16, 64)
	return val
}

// Images groups the file backed mappings into one image per file. An image
// spans from the first to the last mapping of its file; the text start is
// the first executable mapping. Files without an executable mapping are
// skipped.
func Images(regions []MemoryRegion) []proc.ImageInfo {
	type span struct {
		path       string
		start, end uint64
		text       uint64
	}
	var order []string
	spans := make(map[string]*span)
	for _, r := range regions {
		if r.Inode == 0 || !strings.HasPrefix(r.Path, "/") {
			continue
		}
		s, ok := spans[r.Path]
		if !ok {
			s = &span{path: r.Path, start: r.Start, end: r.End}
			spans[r.Path] = s
			order = append(order, r.Path)
		}
		if r.Start < s.start {
			s.start = r.Start
		}
		if r.End > s.end {
			s.end = r.End
		}
		if r.Executable() && s.text == 0 {
			s.text = r.Start
		}
	}

	var images []proc.ImageInfo
	for _, path := range order {
		s := spans[path]
		if s.text == 0 {
			continue
		}
		images = append(images, proc.ImageInfo{
			Name:       filepath.Base(path),
			ImageStart: s.start,
			ImageSize:  s.end - s.start,
			TextStart:  s.text,
		})
	}
	return images
}
