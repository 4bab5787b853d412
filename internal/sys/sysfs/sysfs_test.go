package sysfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSysfs(t *testing.T, enforce string) FS {
	t.Helper()
	root := t.TempDir()
	if enforce != "" {
		dir := filepath.Join(root, "fs", "selinux")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "enforce"), []byte(enforce), 0o644))
	}
	return FS{Root: root}
}

func TestSELinux(t *testing.T) {
	tests := []struct {
		name      string
		enforce   string
		enabled   bool
		enforcing bool
		wantErr   bool
	}{
		{name: "not mounted", enabled: false, wantErr: true},
		{name: "enforcing", enforce: "1\n", enabled: true, enforcing: true},
		{name: "permissive", enforce: "0\n", enabled: true},
		{name: "garbage", enforce: "x", enabled: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakeSysfs(t, tt.enforce)

			assert.Equal(t, tt.enabled, fs.SELinuxEnabled())

			enforcing, err := fs.SELinuxEnforcing()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.enforcing, enforcing)
		})
	}
}

func TestDefault(t *testing.T) {
	assert.Equal(t, DefaultRoot, Default().Root)
	assert.Equal(t, "/sys/fs/selinux/enforce", FS{}.path("fs", "selinux", "enforce"))
}
