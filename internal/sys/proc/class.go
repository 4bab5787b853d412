package proc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// Class describes the pointer width and instruction set of an ELF object.
type Class struct {
	Class   elf.Class
	Machine elf.Machine
	Order   binary.ByteOrder
}

// Is64 reports whether pointers are 8 bytes wide.
func (c Class) Is64() bool {
	return c.Class == elf.ELFCLASS64
}

// WordSize returns the pointer width in bytes.
func (c Class) WordSize() int {
	if c.Is64() {
		return 8
	}
	return 4
}

func (c Class) String() string {
	return fmt.Sprintf("%s/%s", c.Machine, c.Class)
}

// ReadClass decodes the identification and e_machine fields of an ELF
// header.
func ReadClass(r io.ReaderAt) (Class, error) {
	var hdr [20]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return Class{}, fmt.Errorf("read ELF header: %w", err)
	}

	if string(hdr[:4]) != elf.ELFMAG {
		return Class{}, fmt.Errorf("bad ELF magic % x", hdr[:4])
	}

	c := Class{Class: elf.Class(hdr[elf.EI_CLASS])}
	switch c.Class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return Class{}, fmt.Errorf("unknown ELF class %d", hdr[elf.EI_CLASS])
	}

	switch elf.Data(hdr[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		c.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		c.Order = binary.BigEndian
	default:
		return Class{}, fmt.Errorf("unknown ELF data encoding %d", hdr[elf.EI_DATA])
	}

	// e_machine follows e_ident (16 bytes) and e_type (2 bytes).
	c.Machine = elf.Machine(c.Order.Uint16(hdr[18:20]))
	return c, nil
}

// ReadClassFile is ReadClass on the file at path.
func ReadClassFile(path string) (Class, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return Class{}, err
	}
	defer f.Close() // nolint:errcheck

	return ReadClass(f)
}

// Class returns the class of the process executable. It fails with
// UnsupportedArch when the header cannot be read or decoded.
func (p *Process) Class() (Class, error) {
	c, err := ReadClassFile(p.ExePath())
	if err != nil {
		return Class{}, errors.E(errors.UnsupportedArch, fmt.Sprintf("proc: class of pid %d", p.PID), err)
	}
	return c, nil
}
