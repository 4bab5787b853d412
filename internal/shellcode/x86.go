package shellcode

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

type x86 struct{}

func (x86) Machine() elf.Machine { return elf.EM_386 }

func (x86) WordSize() int { return 4 }

func (x86) FreezesEntry() bool { return true }

func (x86) SpinTrampoline() (Blob, error) {
	a := newAssembler()
	a.bytes(x86SelfJump...)
	return assembled(archOp("x86", "trampoline"), a)
}

func (x86) Bootstrap(slot, allocSize uint64) (Blob, error) {
	op := archOp("x86", "bootstrap")
	if err := checkAllocSize(op, allocSize, 0x7fffffff); err != nil {
		return Blob{}, err
	}
	if err := check32(op, map[string]uint64{"sync slot": slot}); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.label("start")
	a.bytes(0x53) // push ebx
	a.bytes(0xbb)
	a.u32(uint32(slot))                   // mov ebx, slot
	a.bytes(0xf0, 0x0f, 0xba, 0x2b, 0x00) // lock bts dword [ebx], 0
	a.bytes(0x73)
	a.rel8("acquired")  // jnc acquired
	a.bytes(0x5b)       // pop ebx
	a.bytes(0xf3, 0x90) // pause
	a.bytes(0xeb)
	a.rel8("start")

	a.label("acquired")
	a.bytes(0x5b) // pop ebx
	a.bytes(0x60) // pushad

	// mmap2(NULL, allocSize, RWX, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	a.bytes(0xb8)
	a.u32(x86SysMmap2)  // mov eax, 192
	a.bytes(0x31, 0xdb) // xor ebx, ebx
	a.bytes(0xb9)
	a.u32(uint32(allocSize)) // mov ecx, allocSize
	a.bytes(0xba)
	a.u32(protRWX) // mov edx, 7
	a.bytes(0xbe)
	a.u32(mapPrivateAnon)                 // mov esi, 0x22
	a.bytes(0xbf, 0xff, 0xff, 0xff, 0xff) // mov edi, -1
	a.bytes(0x31, 0xed)                   // xor ebp, ebp
	a.bytes(0xcd, 0x80)                   // int 0x80

	a.bytes(0xc7, 0x00, x86SelfJump[0], x86SelfJump[1], 0x00, 0x00) // mov dword [eax], jmp $
	a.bytes(0x0c, LockBit)                                          // or al, 1
	a.bytes(0xbb)
	a.u32(uint32(slot))    // mov ebx, slot
	a.bytes(0x89, 0x03)    // mov [ebx], eax
	a.bytes(0x34, LockBit) // xor al, 1
	a.bytes(0xff, 0xe0)    // jmp eax
	a.endText()

	return assembled(op, a)
}

func (x86) Loader(dlopen uint64, path string, resume uint64) (Blob, error) {
	op := archOp("x86", "loader")
	if err := checkPath(op, path); err != nil {
		return Blob{}, err
	}
	if err := check32(op, map[string]uint64{"dlopen": dlopen, "resume": resume}); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.bytes(0xe8, 0x00, 0x00, 0x00, 0x00) // call next
	a.label("next")
	a.bytes(0x5b) // pop ebx
	a.bytes(0x8d, 0x83)
	a.disp32("path", "next")  // lea eax, [ebx+path-next]
	a.bytes(0x89, 0xe6)       // mov esi, esp
	a.bytes(0x83, 0xe4, 0xf0) // and esp, -16
	a.bytes(0x83, 0xec, 0x08) // sub esp, 8
	a.bytes(0x6a, dlopenMode) // push RTLD_NOW
	a.bytes(0x50)             // push eax
	a.bytes(0xb8)
	a.u32(uint32(dlopen)) // mov eax, dlopen
	a.bytes(0xff, 0xd0)   // call eax
	a.bytes(0x89, 0xf4)   // mov esp, esi
	a.bytes(0x61)         // popad
	a.bytes(0x68)
	a.u32(uint32(resume)) // push resume
	a.bytes(0xc3)         // ret
	a.endText()

	a.label("path")
	a.bytes([]byte(path)...)
	a.bytes(0)

	return assembled(op, a)
}

// disp32 emits the distance from label base to label.
func (a *assembler) disp32(label, base string) {
	a.ref(label, func(buf []byte, at, target int) error {
		origin, ok := a.labels[base]
		if !ok {
			return fmt.Errorf("undefined label %q", base)
		}
		delta := int64(target - origin)
		if !fitsSigned(delta, 32) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		binary.LittleEndian.PutUint32(buf[at:], uint32(int32(delta))) // #nosec G115
		return nil
	})
	a.u32(0)
}
