package proc

import (
	"context"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// FindPidByName returns the lowest pid whose process name or argv[0]
// matches name. It fails with PidNotFound when no process matches.
func FindPidByName(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, errors.E(errors.PidNotFound, "proc: list processes", err)
	}

	found := 0
	for _, p := range procs {
		if !matchesName(ctx, p, name) {
			continue
		}
		pid := int(p.Pid)
		if found == 0 || pid < found {
			found = pid
		}
	}

	if found == 0 {
		return 0, errors.Errorf(errors.PidNotFound, "proc", "no process named %q", name)
	}
	return found, nil
}

func matchesName(ctx context.Context, p *process.Process, name string) bool {
	if n, err := p.NameWithContext(ctx); err == nil && n == name {
		return true
	}

	// Android app processes rename themselves through argv[0], and the kernel
	// truncates comm to 15 bytes.
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || len(args) == 0 {
		return false
	}
	return args[0] == name || filepath.Base(args[0]) == name
}
