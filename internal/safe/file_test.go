package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestCopyFile(t *testing.T) {
	t.Run("copies regular file", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "libpayload.so", []byte("\x7fELF payload"))
		dst := filepath.Join(dir, "copy.so")

		require.NoError(t, CopyFile(src, dst, &Options{DestPerm: 0o755}))

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "\x7fELF payload", string(got))

		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	})

	t.Run("default permissions", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "a", []byte("x"))
		dst := filepath.Join(dir, "b")

		require.NoError(t, CopyFile(src, dst, nil))

		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("replaces existing destination", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "a", []byte("new"))
		dst := writeFile(t, dir, "b", []byte("old contents"))

		require.NoError(t, CopyFile(src, dst, nil))

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("rejects symlink by default", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "a", []byte("x"))
		link := filepath.Join(dir, "link")
		require.NoError(t, os.Symlink(src, link))

		err := CopyFile(link, filepath.Join(dir, "b"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "symlink")
	})

	t.Run("allows symlink when enabled", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "a", []byte("through link"))
		link := filepath.Join(dir, "link")
		require.NoError(t, os.Symlink(src, link))
		dst := filepath.Join(dir, "b")

		require.NoError(t, CopyFile(link, dst, &Options{AllowSymlinks: true}))

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "through link", string(got))
	})

	t.Run("rejects directory", func(t *testing.T) {
		dir := t.TempDir()
		err := CopyFile(dir, filepath.Join(t.TempDir(), "b"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a regular file")
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "big", make([]byte, 100))
		dst := filepath.Join(dir, "b")

		err := CopyFile(src, dst, &Options{MaxSize: 99})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum allowed size")
		assert.NoFileExists(t, dst)
	})

	t.Run("leaves no temporary files on failure", func(t *testing.T) {
		dir := t.TempDir()
		src := writeFile(t, dir, "a", []byte("x"))

		err := CopyFile(src, filepath.Join(dir, "missing", "b"), nil)
		require.Error(t, err)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("missing source", func(t *testing.T) {
		err := CopyFile(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "b"), nil)
		require.Error(t, err)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", []byte("version: 1\n"))

	data, err := ReadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	link := filepath.Join(dir, "link.yaml")
	require.NoError(t, os.Symlink(path, link))

	_, err = ReadFile(link, nil)
	require.Error(t, err)

	data, err = ReadFile(link, &Options{AllowSymlinks: true})
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	_, err = ReadFile(path, &Options{MaxSize: 4})
	require.Error(t, err)
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f", []byte("abc"))

	info, err := Stat(path, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	_, err = Stat(filepath.Join(dir, "missing"), nil)
	assert.True(t, os.IsNotExist(err))
}
