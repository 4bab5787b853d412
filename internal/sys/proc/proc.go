// Package proc provides handles on Linux processes backed by the /proc
// filesystem: existence and ownership checks, executable class detection,
// memory mapping enumeration and process discovery.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// DefaultRoot is the mount point of the proc filesystem.
const DefaultRoot = "/proc"

// Process references the /proc/<pid> directory of a task.
type Process struct {
	PID  int
	Path string
	root string
}

// New returns a handle on pid. It fails with ProcessNotRunning when
// /proc/<pid> does not exist.
func New(pid int) (*Process, error) {
	return NewWithRoot(DefaultRoot, pid)
}

// NewWithRoot is New against an alternate proc mount.
func NewWithRoot(root string, pid int) (*Process, error) {
	if pid <= 0 {
		return nil, errors.Errorf(errors.ProcessNotRunning, "proc", "invalid pid %d", pid)
	}

	path := filepath.Join(root, strconv.Itoa(pid))
	if _, err := os.Stat(path); err != nil {
		return nil, errors.E(errors.ProcessNotRunning, fmt.Sprintf("proc: pid %d", pid), err)
	}

	return &Process{PID: pid, Path: path, root: root}, nil
}

// Current returns a handle on the calling process.
func Current() *Process {
	return &Process{
		PID:  os.Getpid(),
		Path: filepath.Join(DefaultRoot, "self"),
		root: DefaultRoot,
	}
}

// Owner returns the uid and gid owning the process.
func (p *Process) Owner() (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(p.Path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", p.Path, err)
	}
	return st.Uid, st.Gid, nil
}

// Privileged reports whether the process runs as root. An unreadable owner
// is treated as privileged.
func (p *Process) Privileged() bool {
	uid, _, err := p.Owner()
	if err != nil {
		return true
	}
	return uid == 0
}

// ExePath returns the /proc path of the process executable.
func (p *Process) ExePath() string {
	return filepath.Join(p.Path, "exe")
}

// RootPath maps a path as seen by the process to a path readable from the
// caller's mount namespace.
func (p *Process) RootPath(path string) string {
	return filepath.Join(p.Path, "root", path)
}

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir(DefaultRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}

		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)

	return pids, nil
}
