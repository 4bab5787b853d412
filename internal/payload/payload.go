// Package payload validates the shared object to inject and stages it where
// the target process can open it.
//
// Staged copies are named after the xxh3 digest of their content, so
// injecting the same library twice reuses the first copy.
package payload

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/dlinject/internal/constants"
	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/safe"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
	"github.com/coral-mesh/dlinject/internal/sys/shell"
	"github.com/coral-mesh/dlinject/internal/sys/sysfs"
)

// Options configures Prepare.
type Options struct {
	// TempDir receives the staged copy. Empty injects the file in place.
	TempDir string
	// MaxSize bounds the payload size. Zero means constants.DefaultMaxPayloadSize.
	MaxSize int64

	// Android enables the chmod and chcon fix-ups app processes need to map
	// the copy.
	Android bool
	// SELinuxContext is applied with chcon when SELinux is enabled.
	SELinuxContext string
	// Runner executes chmod and chcon. Defaults to shell.Exec.
	Runner shell.Runner
	// SysFS locates selinuxfs. Defaults to /sys.
	SysFS sysfs.FS

	Logger zerolog.Logger
}

func (o Options) maxSize() int64 {
	if o.MaxSize <= 0 {
		return constants.DefaultMaxPayloadSize
	}
	return o.MaxSize
}

// Validate checks that path is an ELF shared object built for target. It
// fails with FileError when the file is missing or not a shared object and
// with UnsupportedArch when its class or machine differ from the target's.
func Validate(path string, target proc.Class) error {
	op := "payload: validate " + path

	f, err := elf.Open(path)
	if err != nil {
		return errors.E(errors.FileError, op, err)
	}
	defer f.Close() // nolint:errcheck

	if f.Type != elf.ET_DYN {
		return errors.Errorf(errors.FileError, op, "ELF type %s, want %s", f.Type, elf.ET_DYN)
	}
	if f.Class != target.Class || f.Machine != target.Machine {
		return errors.Errorf(errors.UnsupportedArch, op, "payload is %s/%s, target is %s",
			f.Machine, f.Class, target)
	}
	return nil
}

// Digest returns the xxh3 hash of the first limit bytes of the file at path.
func Digest(path string, limit int64) (uint64, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return 0, err
	}
	defer f.Close() // nolint:errcheck

	h := xxh3.New()
	if _, err := io.Copy(h, io.LimitReader(f, limit)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// StagedName is the file name of the staged copy of a payload.
func StagedName(digest uint64, src string) string {
	return fmt.Sprintf("dlinject-%016x-%s", digest, filepath.Base(src))
}

// Prepare validates the payload at path against the target class and
// returns the path the target should dlopen.
func Prepare(ctx context.Context, path string, target proc.Class, opts Options) (string, error) {
	op := "payload: prepare " + path
	logger := opts.Logger.With().Str("component", "payload").Logger()

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.E(errors.FileError, op, err)
	}

	sizeOpts := &safe.Options{MaxSize: opts.maxSize(), AllowSymlinks: true}
	if _, err := safe.Stat(abs, sizeOpts); err != nil {
		return "", errors.E(errors.FileError, op, err)
	}

	if err := Validate(abs, target); err != nil {
		return "", err
	}

	if opts.TempDir == "" {
		logger.Debug().Str("path", abs).Msg("Injecting payload in place")
		return abs, nil
	}

	digest, err := Digest(abs, opts.maxSize())
	if err != nil {
		return "", errors.E(errors.FileError, op, err)
	}
	staged := filepath.Join(opts.TempDir, StagedName(digest, abs))

	if _, err := safe.Stat(staged, sizeOpts); err == nil {
		logger.Debug().Str("path", staged).Msg("Reusing staged payload")
	} else {
		copyOpts := &safe.Options{
			MaxSize:       opts.maxSize(),
			DestPerm:      constants.PayloadFileMode,
			AllowSymlinks: true,
		}
		if err := safe.CopyFile(abs, staged, copyOpts); err != nil {
			return "", errors.E(errors.FileError, op, err)
		}
		logger.Info().Str("src", abs).Str("path", staged).Msg("Staged payload")
	}

	if opts.Android {
		if err := fixupAndroid(ctx, staged, opts, logger); err != nil {
			return "", errors.E(errors.FileError, op, err)
		}
	}

	return staged, nil
}

// fixupAndroid makes the staged copy readable and mappable by app
// processes.
func fixupAndroid(ctx context.Context, path string, opts Options, logger zerolog.Logger) error {
	runner := opts.Runner
	if runner == nil {
		runner = shell.Exec{Logger: logger}
	}

	mode := fmt.Sprintf("%o", constants.PayloadFileMode)
	if _, err := runner.Run(ctx, "chmod", mode, path); err != nil {
		return err
	}

	if opts.SELinuxContext == "" || !opts.SysFS.SELinuxEnabled() {
		logger.Debug().Msg("SELinux disabled, skipping chcon")
		return nil
	}

	if _, err := runner.Run(ctx, "chcon", opts.SELinuxContext, path); err != nil {
		return err
	}
	logger.Debug().Str("context", opts.SELinuxContext).Str("path", path).Msg("Relabeled payload")
	return nil
}
