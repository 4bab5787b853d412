package shellcode

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	x64SysMmap = 9
	x86SysMmap2 = 192
)

// jmp $ (EB FE), shared by both x86 variants.
var x86SelfJump = []byte{0xeb, 0xfe}

type amd64 struct{}

func (amd64) Machine() elf.Machine { return elf.EM_X86_64 }

func (amd64) WordSize() int { return 8 }

// FreezesEntry is true: the lock spin loop sits past the first word, which
// a tail-first restore rewrites before the head.
func (amd64) FreezesEntry() bool { return true }

func (amd64) SpinTrampoline() (Blob, error) {
	a := newAssembler()
	a.bytes(x86SelfJump...)
	return assembled(archOp("amd64", "trampoline"), a)
}

func (amd64) Bootstrap(slot, allocSize uint64) (Blob, error) {
	op := archOp("amd64", "bootstrap")
	if err := checkAllocSize(op, allocSize, 0x7fffffff); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.label("start")
	a.bytes(0x50) // push rax
	a.bytes(0x48, 0x8b, 0x05)
	a.rel32("slot")                       // mov rax, [rip+slot]
	a.bytes(0xf0, 0x0f, 0xba, 0x28, 0x00) // lock bts dword [rax], 0
	a.bytes(0x73)
	a.rel8("acquired")  // jnc acquired
	a.bytes(0x58)       // pop rax
	a.bytes(0xf3, 0x90) // pause
	a.bytes(0xeb)
	a.rel8("start")

	a.label("acquired")
	a.bytes(0x58) // pop rax
	// rax rbx rcx rdx rbp rsi rdi r8..r15
	a.bytes(0x50, 0x53, 0x51, 0x52, 0x55, 0x56, 0x57)
	for r := byte(0); r < 8; r++ {
		a.bytes(0x41, 0x50+r)
	}

	// mmap(NULL, allocSize, RWX, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	a.bytes(0xb8)
	a.u32(x64SysMmap)   // mov eax, 9
	a.bytes(0x31, 0xff) // xor edi, edi
	a.bytes(0xbe)
	a.u32(uint32(allocSize)) // mov esi, allocSize
	a.bytes(0xba)
	a.u32(protRWX) // mov edx, 7
	a.bytes(0x41, 0xba)
	a.u32(mapPrivateAnon)                             // mov r10d, 0x22
	a.bytes(0x49, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff) // mov r8, -1
	a.bytes(0x45, 0x31, 0xc9)                         // xor r9d, r9d
	a.bytes(0x0f, 0x05)                               // syscall

	a.bytes(0xc7, 0x00, x86SelfJump[0], x86SelfJump[1], 0x00, 0x00) // mov dword [rax], jmp $
	a.bytes(0x0c, LockBit)                                          // or al, 1
	a.bytes(0x48, 0x8b, 0x1d)
	a.rel32("slot")           // mov rbx, [rip+slot]
	a.bytes(0x48, 0x89, 0x03) // mov [rbx], rax
	a.bytes(0x34, LockBit)    // xor al, 1
	a.bytes(0xff, 0xe0)       // jmp rax
	a.endText()

	a.align(8, 0xcc)
	a.label("slot")
	a.u64(slot)

	return assembled(op, a)
}

func (amd64) Loader(dlopen uint64, path string, resume uint64) (Blob, error) {
	op := archOp("amd64", "loader")
	if err := checkPath(op, path); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.bytes(0x48, 0x8d, 0x3d)
	a.rel32("path") // lea rdi, [rip+path]
	a.bytes(0xbe)
	a.u32(dlopenMode) // mov esi, RTLD_NOW
	a.bytes(0x48, 0x8b, 0x05)
	a.rel32("dlopen")               // mov rax, [rip+dlopen]
	a.bytes(0x48, 0x89, 0xe5)       // mov rbp, rsp
	a.bytes(0x48, 0x83, 0xe4, 0xf0) // and rsp, -16
	a.bytes(0xff, 0xd0)             // call rax
	a.bytes(0x48, 0x89, 0xec)       // mov rsp, rbp

	for r := byte(7); ; r-- {
		a.bytes(0x41, 0x58+r) // pop r15..r8
		if r == 0 {
			break
		}
	}
	a.bytes(0x5f, 0x5e, 0x5d, 0x5a, 0x59, 0x5b, 0x58)

	a.bytes(0xff, 0x25)
	a.rel32("resume") // jmp [rip+resume]
	a.endText()

	a.align(8, 0xcc)
	a.label("dlopen")
	a.u64(dlopen)
	a.label("resume")
	a.u64(resume)
	a.label("path")
	a.bytes([]byte(path)...)
	a.bytes(0)

	return assembled(op, a)
}

// rel32 emits a 32-bit displacement to label, relative to the end of the
// field. Every use ends its instruction with the displacement.
func (a *assembler) rel32(label string) {
	a.ref(label, func(buf []byte, at, target int) error {
		delta := int64(target - (at + 4))
		if !fitsSigned(delta, 32) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		binary.LittleEndian.PutUint32(buf[at:], uint32(int32(delta))) // #nosec G115
		return nil
	})
	a.u32(0)
}

func (a *assembler) rel8(label string) {
	a.ref(label, func(buf []byte, at, target int) error {
		delta := int64(target - (at + 1))
		if !fitsSigned(delta, 8) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		buf[at] = byte(int8(delta)) // #nosec G115
		return nil
	})
	a.bytes(0)
}
