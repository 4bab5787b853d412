package privilege

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StatusPath is the caller's status file, holding its capability sets.
const StatusPath = "/proc/self/status"

// CapSysPtrace is the CAP_SYS_PTRACE bit (include/uapi/linux/capability.h).
const CapSysPtrace = 19

// ReadEffectiveCaps returns the CapEff bitmask from a status file.
func ReadEffectiveCaps(path string) (uint64, error) {
	return readCapabilityBitmask(path, "CapEff")
}

func readCapabilityBitmask(path, name string) (uint64, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, name+":") {
			continue
		}

		// "CapEff:\t000001ffffffffff"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("invalid %s line: %s", name, line)
		}
		mask, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", name, err)
		}
		return mask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return 0, fmt.Errorf("%s not found in %s", name, path)
}

// HasCapability reports whether bit is set in mask.
func HasCapability(mask uint64, bit int) bool {
	return mask&(1<<uint(bit)) != 0 // #nosec G115
}
