// Package mem provides exact-length read/write access to another process's
// address space through /proc/<pid>/mem.
//
// Every call is a single positioned I/O against the memory file: there is no
// caching, buffering or retry. A transfer that moves fewer bytes than
// requested is a failure, never a short read or write.
//
// Writes land in the target immediately. Instruction-cache coherency for
// freshly written code is not handled here; code that is later executed in
// place must carry its own synchronization.
package mem

import (
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/safe"
)

// Reader reads remote memory.
type Reader interface {
	Read(addr uint64, n int) ([]byte, error)
}

// Writer writes remote memory.
type Writer interface {
	Write(addr uint64, data []byte) error
}

// Memory is a read/write channel to a target's address space.
type Memory interface {
	Reader
	Writer
	Close() error
}

// File is a Memory backed by an open /proc/<pid>/mem descriptor.
type File struct {
	pid    int
	fd     int
	logger zerolog.Logger
}

// Path returns the memory file path for pid.
func Path(pid int) string {
	return fmt.Sprintf("/proc/%d/mem", pid)
}

// Open opens the memory file of pid for reading and writing.
func Open(pid int, logger zerolog.Logger) (*File, error) {
	path := Path(pid)
	logger = logger.With().Str("component", "mem").Int("pid", pid).Logger()
	logger.Debug().Str("path", path).Msg("Opening remote memory")

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.E(errors.OpenMemoryError, "mem: open "+path, err)
	}

	return &File{pid: pid, fd: fd, logger: logger}, nil
}

// Read returns exactly n bytes starting at addr.
func (f *File) Read(addr uint64, n int) ([]byte, error) {
	f.logger.Trace().Str("addr", fmt.Sprintf("0x%x", addr)).Int("len", n).Msg("Reading remote memory")

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	off, err := offset(addr)
	if err != nil {
		return nil, errors.E(errors.ReadMemoryError, fmt.Sprintf("mem: read 0x%x", addr), err)
	}

	got, err := unix.Pread(f.fd, buf, off)
	if err != nil {
		return nil, errors.E(errors.ReadMemoryError, fmt.Sprintf("mem: read 0x%x", addr), err)
	}
	if got != n {
		return nil, errors.Errorf(errors.ReadMemoryError, fmt.Sprintf("mem: read 0x%x", addr),
			"short read: %d of %d bytes", got, n)
	}

	return buf, nil
}

// Write stores all of data at addr.
func (f *File) Write(addr uint64, data []byte) error {
	f.logger.Trace().Str("addr", fmt.Sprintf("0x%x", addr)).Int("len", len(data)).Msg("Writing remote memory")

	if len(data) == 0 {
		return nil
	}

	off, err := offset(addr)
	if err != nil {
		return errors.E(errors.WriteMemoryError, fmt.Sprintf("mem: write 0x%x", addr), err)
	}

	put, err := unix.Pwrite(f.fd, data, off)
	if err != nil {
		return errors.E(errors.WriteMemoryError, fmt.Sprintf("mem: write 0x%x", addr), err)
	}
	if put != len(data) {
		return errors.Errorf(errors.WriteMemoryError, fmt.Sprintf("mem: write 0x%x", addr),
			"short write: %d of %d bytes", put, len(data))
	}

	return nil
}

// offset converts addr to a file offset. The upper half of the address
// space is not reachable through the mem file.
func offset(addr uint64) (int64, error) {
	off, clamped := safe.Uint64ToInt64(addr)
	if clamped {
		return 0, fmt.Errorf("address 0x%x beyond file offset range", addr)
	}
	return off, nil
}

// Close releases the descriptor.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}
