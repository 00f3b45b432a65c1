package native

import (
	"fmt"
	"os"

	"guestscope/pkg/logflags"
	"guestscope/pkg/proc"
	"guestscope/utils"
)

// Process is the memory of a local process, addressed the way the process
// sees it.
type Process struct {
	pid int
	log logflags.Logger
}

var (
	_ proc.Memory          = (*Process)(nil)
	_ proc.ImageInfoSource = (*Process)(nil)
)

// Attach opens the memory of pid. Nothing is stopped; reads race with the
// running process.
func Attach(pid int) (*Process, error) {
	if !utils.CheckPidInt(pid) {
		return nil, fmt.Errorf("pid %d does not exist", pid)
	}
	return &Process{pid: pid, log: logflags.ProwlerLogger()}, nil
}

func (p *Process) Pid() int { return p.pid }

// Executable resolves the path of the process's executable.
func (p *Process) Executable() (string, error) {
	return os.Readlink(utils.ProcPath(p.pid, "exe"))
}

// Regions lists the current mappings of the process.
func (p *Process) Regions() ([]MemoryRegion, error) {
	f, err := os.Open(utils.ProcPath(p.pid, "maps"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

// ExtractImageInfo lists the executable files mapped into the process. The
// image holding the entry point from the auxiliary vector comes first.
func (p *Process) ExtractImageInfo() ([]proc.ImageInfo, error) {
	regions, err := p.Regions()
	if err != nil {
		return nil, err
	}
	images := Images(regions)

	auxv, err := os.ReadFile(utils.ProcPath(p.pid, "auxv"))
	if err != nil {
		p.log.Debugf("no auxv for %d: %v", p.pid, err)
		return images, nil
	}
	entry, ok := utils.AuxvLookup(auxv, utils.AT_ENTRY)
	if !ok {
		return images, nil
	}
	if ii, ok := proc.FindImage(images, entry); ok {
		first := *ii
		out := []proc.ImageInfo{first}
		for _, other := range images {
			if other.ImageStart != first.ImageStart {
				out = append(out, other)
			}
		}
		images = out
	}
	return images, nil
}
