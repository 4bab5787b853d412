// Package privilege decides whether the caller may write another process's
// memory through /proc/<pid>/mem, which the kernel guards with the same
// PTRACE_MODE_ATTACH check as ptrace(2).
package privilege

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// YamaPath is the Yama LSM ptrace policy knob.
const YamaPath = "/proc/sys/kernel/yama/ptrace_scope"

// Scope is a Yama ptrace_scope level.
type Scope int

const (
	// ScopeClassic allows attaching to any process of the same uid.
	ScopeClassic Scope = iota
	// ScopeRestricted limits attaching to descendants.
	ScopeRestricted
	// ScopeAdmin requires CAP_SYS_PTRACE.
	ScopeAdmin
	// ScopeNone forbids attaching altogether.
	ScopeNone
)

func (s Scope) String() string {
	switch s {
	case ScopeClassic:
		return "classic"
	case ScopeRestricted:
		return "restricted"
	case ScopeAdmin:
		return "admin-only"
	case ScopeNone:
		return "no-attach"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ReadScope reads the Yama policy from path. A kernel without Yama behaves
// like ScopeClassic.
func ReadScope(path string) (Scope, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return ScopeClassic, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < int(ScopeClassic) || v > int(ScopeNone) {
		return 0, fmt.Errorf("unexpected ptrace_scope %q", strings.TrimSpace(string(data)))
	}
	return Scope(v), nil
}

// MayAttach applies scope to a caller with effective uid euid and a target
// owned by targetUID. Root passes every scope but ScopeNone. Without root
// only ScopeClassic allows it, and only for a target of the same uid; the
// controller is never an ancestor of its target.
func MayAttach(scope Scope, euid, targetUID uint32) bool {
	return mayAttach(scope, euid == 0, euid == targetUID)
}

// mayAttach is MayAttach for a caller that holds CAP_SYS_PTRACE (or is
// root) when privileged is set.
func mayAttach(scope Scope, privileged, sameUID bool) bool {
	switch scope {
	case ScopeNone:
		return false
	case ScopeClassic:
		return privileged || sameUID
	default:
		return privileged
	}
}

// Owner reports the uid owning a process.
type Owner interface {
	Owner() (uid uint32, gid uint32, err error)
}

// Gate is the attach check consulted before an injection session starts.
type Gate struct {
	// ScopePath defaults to YamaPath.
	ScopePath string
	// Euid defaults to os.Geteuid.
	Euid func() int
	// StatusPath defaults to StatusPath. An unreadable file counts as no
	// capabilities.
	StatusPath string
}

// Check fails with InsufficientPrivileges unless the caller may attach to
// target.
func (g Gate) Check(target Owner) error {
	const op = "privilege: attach"

	path := g.ScopePath
	if path == "" {
		path = YamaPath
	}
	euidFn := g.Euid
	if euidFn == nil {
		euidFn = os.Geteuid
	}

	scope, err := ReadScope(path)
	if err != nil {
		return errors.E(errors.InsufficientPrivileges, op, err)
	}

	uid, _, err := target.Owner()
	if err != nil {
		return errors.E(errors.InsufficientPrivileges, op, err)
	}

	euid := uint32(euidFn()) // #nosec G115
	if !mayAttach(scope, euid == 0 || g.hasPtraceCap(), euid == uid) {
		return errors.Errorf(errors.InsufficientPrivileges, op,
			"ptrace_scope %s denies euid %d access to a process of uid %d", scope, euid, uid)
	}
	return nil
}

func (g Gate) hasPtraceCap() bool {
	path := g.StatusPath
	if path == "" {
		path = StatusPath
	}
	caps, err := ReadEffectiveCaps(path)
	return err == nil && HasCapability(caps, CapSysPtrace)
}

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}
