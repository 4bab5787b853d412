// Package sysfs provides utilities for interacting with the /sys filesystem.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot is the mount point of sysfs.
const DefaultRoot = "/sys"

// FS reads kernel state below Root.
type FS struct {
	Root string
}

// Default returns an FS rooted at /sys.
func Default() FS {
	return FS{Root: DefaultRoot}
}

func (fs FS) path(elem ...string) string {
	root := fs.Root
	if root == "" {
		root = DefaultRoot
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// SELinuxEnabled reports whether selinuxfs is mounted.
func (fs FS) SELinuxEnabled() bool {
	_, err := os.Stat(fs.path("fs", "selinux", "enforce"))
	return err == nil
}

// SELinuxEnforcing reports whether SELinux runs in enforcing mode.
func (fs FS) SELinuxEnforcing() (bool, error) {
	path := fs.path("fs", "selinux", "enforce")
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(string(data)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected value %q in %s", strings.TrimSpace(string(data)), path)
	}
}
