// Package shellcode generates the position-independent machine code planted
// in a target process.
//
// Injection runs in two stages. The bootstrap stage is written over a
// frequently called function. The first thread to enter it takes a spinlock
// in a scratch data word (the sync slot), saves its registers, maps a fresh
// RWX page, parks a self-jump at the start of the page, publishes the page
// address in the slot with the lock bit still set and jumps into the page.
// The loader stage is then written over the parked page: it calls dlopen on
// the payload, restores the saved registers and resumes the original
// function.
package shellcode

import (
	"debug/elf"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coral-mesh/dlinject/internal/errors"
)

const (
	// MaxPathLen bounds the payload path embedded in the loader stage.
	MaxPathLen = 1024

	// LockBit is set in the sync slot while a thread owns the bootstrap.
	LockBit = 1
	// AddrMask recovers the published page address from the sync slot.
	AddrMask = ^uint64(0xf)

	// dlopenMode is RTLD_NOW.
	dlopenMode = 2

	protRWX        = 0x7
	mapPrivateAnon = 0x22
)

// Blob is a finished piece of machine code. The instruction stream occupies
// Bytes[:Text]; literals and strings follow it.
type Blob struct {
	Bytes []byte
	Text  int
}

// Len returns the size of the blob in bytes.
func (b Blob) Len() int {
	return len(b.Bytes)
}

func (b Blob) String() string {
	return hex.EncodeToString(b.Bytes)
}

// Builder emits the stages for one instruction set. All methods are pure:
// the same inputs always produce the same bytes.
type Builder interface {
	Machine() elf.Machine
	// WordSize is the pointer width, and the width of the sync slot.
	WordSize() int
	// Bootstrap returns the first stage, which locks slot and maps
	// allocSize bytes of RWX memory.
	Bootstrap(slot, allocSize uint64) (Blob, error)
	// Loader returns the second stage, which loads path with dlopen and
	// resumes execution at resume.
	Loader(dlopen uint64, path string, resume uint64) (Blob, error)
	// SpinTrampoline returns a single self-jump.
	SpinTrampoline() (Blob, error)
	// FreezesEntry reports whether the trigger entry should be parked on a
	// spin trampoline before its original bytes are restored.
	FreezesEntry() bool
}

// ForMachine selects the builder for a target's ELF machine.
func ForMachine(m elf.Machine) (Builder, error) {
	switch m {
	case elf.EM_AARCH64:
		return arm64{}, nil
	case elf.EM_X86_64:
		return amd64{}, nil
	case elf.EM_386:
		return x86{}, nil
	default:
		return nil, errors.Errorf(errors.UnsupportedArch, "shellcode: builder", "no builder for %s", m)
	}
}

// Published decodes a sync slot value. It reports the page address once the
// bootstrap has published it; a set lock bit with a zero address means the
// bootstrap is still running.
func Published(slot uint64) (uint64, bool) {
	if slot&LockBit == 0 {
		return 0, false
	}
	addr := slot & AddrMask
	return addr, addr != 0
}

func checkPath(op, path string) error {
	switch {
	case path == "":
		return errors.Errorf(errors.ShellcodeError, op, "empty payload path")
	case len(path) > MaxPathLen:
		return errors.Errorf(errors.ShellcodeError, op, "payload path is %d bytes, limit %d", len(path), MaxPathLen)
	case strings.IndexByte(path, 0) >= 0:
		return errors.Errorf(errors.ShellcodeError, op, "payload path contains NUL")
	}
	return nil
}

func checkAllocSize(op string, size uint64, limit uint64) error {
	if size == 0 || size > limit {
		return errors.Errorf(errors.ShellcodeError, op, "allocation size 0x%x out of range", size)
	}
	return nil
}

func check32(op string, values map[string]uint64) error {
	for name, v := range values {
		if v > 0xffffffff {
			return errors.Errorf(errors.ShellcodeError, op, "%s 0x%x does not fit a 32-bit address space", name, v)
		}
	}
	return nil
}

func assembled(op string, a *assembler) (Blob, error) {
	blob, err := a.finish()
	if err != nil {
		return Blob{}, errors.E(errors.ShellcodeError, op, err)
	}
	return blob, nil
}

func archOp(arch, stage string) string {
	return fmt.Sprintf("shellcode: %s %s", arch, stage)
}
