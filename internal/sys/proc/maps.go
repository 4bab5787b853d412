package proc

import (
	"fmt"
	"path"

	"github.com/prometheus/procfs"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// Mapping is one contiguous mapped region of a process address space.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	// Path is the backing file, empty for anonymous mappings.
	Path    string
	Read    bool
	Write   bool
	Execute bool
}

// Size returns the length of the region in bytes.
func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

// Name returns the final path component of the backing file.
func (m Mapping) Name() string {
	if m.Path == "" {
		return ""
	}
	return path.Base(m.Path)
}

func (m Mapping) String() string {
	return fmt.Sprintf("0x%x-0x%x +0x%x %s", m.Start, m.End, m.Offset, m.Path)
}

// Mappings enumerates the current memory mappings of the process. The
// result is read fresh on every call.
func (p *Process) Mappings() ([]Mapping, error) {
	fs, err := procfs.NewFS(p.root)
	if err != nil {
		return nil, errors.E(errors.RemoteProcessError, "proc: mount "+p.root, err)
	}

	target, err := fs.Proc(p.PID)
	if err != nil {
		return nil, errors.E(errors.RemoteProcessError, fmt.Sprintf("proc: pid %d", p.PID), err)
	}

	maps, err := target.ProcMaps()
	if err != nil {
		return nil, errors.E(errors.RemoteProcessError, fmt.Sprintf("proc: maps of pid %d", p.PID), err)
	}

	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		mapping := Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset), // #nosec G115
			Path:   m.Pathname,
		}
		if m.Perms != nil {
			mapping.Read = m.Perms.Read
			mapping.Write = m.Perms.Write
			mapping.Execute = m.Perms.Execute
		}
		// Pseudo paths such as [heap] or [stack] are not files.
		if len(mapping.Path) > 0 && mapping.Path[0] == '[' {
			mapping.Path = ""
		}
		out = append(out, mapping)
	}

	return out, nil
}
