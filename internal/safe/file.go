// Package safe holds file helpers that refuse surprising inputs: symlinks
// (unless allowed), non-regular files and files above a size limit.
package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize is the size limit used when Options.MaxSize is zero (1MB).
const DefaultMaxFileSize = 1 << 20

// Options configures CopyFile and ReadFile.
type Options struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// DestPerm is the permission mode of a copied file. Zero means 0600.
	DestPerm os.FileMode
	// AllowSymlinks follows a symlinked source instead of rejecting it.
	AllowSymlinks bool
}

func (o *Options) maxSize() int64 {
	if o == nil || o.MaxSize == 0 {
		return DefaultMaxFileSize
	}
	return o.MaxSize
}

func (o *Options) destPerm() os.FileMode {
	if o == nil || o.DestPerm == 0 {
		return 0o600
	}
	return o.DestPerm
}

// Stat validates path against opts and returns the info of the file it
// names, following an allowed symlink.
func Stat(path string, opts *Options) (os.FileInfo, error) {
	clean := filepath.Clean(path)

	info, err := os.Lstat(clean)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if opts == nil || !opts.AllowSymlinks {
			return nil, fmt.Errorf("%q is a symlink, which is not allowed", path)
		}
		if info, err = os.Stat(clean); err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", path)
	}

	if info.Size() > opts.maxSize() {
		return nil, fmt.Errorf("%q exceeds maximum allowed size of %d bytes", path, opts.maxSize())
	}

	return info, nil
}

// CopyFile copies src to dst. The copy is written to a temporary file in
// dst's directory and renamed into place, so dst is either absent, the old
// file, or the complete copy.
func CopyFile(src, dst string, opts *Options) error {
	if _, err := Stat(src, opts); err != nil {
		return err
	}

	// #nosec G304 - validated above.
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// The size was checked on the inode; guard against it growing meanwhile.
	limit := opts.maxSize()
	n, err := io.Copy(tmp, io.LimitReader(in, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%q grew beyond maximum allowed size of %d bytes", src, limit)
	}

	if err := tmp.Chmod(opts.destPerm()); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReadFile reads path after validating it against opts.
func ReadFile(path string, opts *Options) ([]byte, error) {
	if _, err := Stat(path, opts); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Clean(path))
}
