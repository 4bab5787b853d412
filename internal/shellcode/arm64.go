package shellcode

import (
	"debug/elf"
	"fmt"
)

// AArch64 register numbers. x16 and x17 are the intra-procedure-call
// scratch registers, free to clobber at a function entry.
const (
	x0  = 0
	x1  = 1
	x2  = 2
	x3  = 3
	x4  = 4
	x5  = 5
	x8  = 8
	x16 = 16
	x17 = 17
	x30 = 30
	xzr = 31
	sp  = 31
)

const (
	a64SysMmap  = 222
	a64SelfJump = 0x14000000 // b .

	// Register save area below the x0/x1 pair pushed on entry.
	a64SaveArea = 0xf0
	a64Frame    = a64SaveArea + 16
)

type arm64 struct{}

func (arm64) Machine() elf.Machine { return elf.EM_AARCH64 }

func (arm64) WordSize() int { return 8 }

func (arm64) FreezesEntry() bool { return true }

func (arm64) SpinTrampoline() (Blob, error) {
	a := newAssembler()
	a.u32(a64SelfJump)
	return assembled(archOp("arm64", "trampoline"), a)
}

func (arm64) Bootstrap(slot, allocSize uint64) (Blob, error) {
	op := archOp("arm64", "bootstrap")
	if err := checkAllocSize(op, allocSize, 1<<48); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.label("start")
	a.u32(a64StpPre(x0, x1, sp, -16))
	a.a64Lit(a64LdrLitX(x16), "slot")
	a.u32(a64Ldaxrb(x17, x16))
	a.a64Branch19(a64CbnzW(x17), "busy")
	a.u32(a64MovzW(x0, 1, 0))
	a.u32(a64Stxrb(x17, x0, x16))
	a.a64Branch19(a64CbnzW(x17), "busy")

	// Lock held.
	a.u32(a64SubImm(sp, sp, a64SaveArea))
	a64SaveRegisters(a)

	// mmap(NULL, allocSize, RWX, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	a.u32(a64MovzX(x0, 0, 0))
	a64MovImm(a, x1, allocSize)
	a.u32(a64MovzX(x2, protRWX, 0))
	a.u32(a64MovzX(x3, mapPrivateAnon, 0))
	a.u32(a64MovnX(x4, 0, 0))
	a.u32(a64MovzX(x5, 0, 0))
	a.u32(a64MovzX(x8, a64SysMmap, 0))
	a.u32(0xd4000001) // svc #0

	// Park a self-jump at the start of the page and make it visible to
	// instruction fetch.
	a.a64Lit(a64LdrLitW(x1), "self_jump")
	a.u32(a64StrW(x1, x0, 0))
	a.u32(0xd50b7b20 | x0) // dc cvau, x0
	a.u32(0xd5033b9f)      // dsb ish
	a.u32(0xd50b7520 | x0) // ic ivau, x0
	a.u32(0xd5033b9f)      // dsb ish
	a.u32(0xd5033fdf)      // isb

	// Publish page|lock, then enter the page with the bit cleared.
	a.u32(0xb2400000 | x0<<5 | x0) // orr x0, x0, #1
	a.a64Lit(a64LdrLitX(x16), "slot")
	a.u32(0xc89ffc00 | x16<<5 | x0) // stlr x0, [x16]
	a.u32(0xd2400000 | x0<<5 | x0)  // eor x0, x0, #1
	a.u32(a64Br(x0))

	// Lock taken by another thread: drop the pair and retry from the top,
	// which may by then have been frozen or restored.
	a.label("busy")
	a.u32(0xd5033f5f) // clrex
	a.u32(a64LdpPost(x0, x1, sp, 16))
	a.u32(0xd503203f) // yield
	a.a64Branch26("start")
	a.endText()

	a.align(8, 0)
	a.label("slot")
	a.u64(slot)
	a.label("self_jump")
	a.u32(a64SelfJump)

	return assembled(op, a)
}

func (arm64) Loader(dlopen uint64, path string, resume uint64) (Blob, error) {
	op := archOp("arm64", "loader")
	if err := checkPath(op, path); err != nil {
		return Blob{}, err
	}

	a := newAssembler()

	a.a64Adr(x0, "path")
	a.u32(a64MovzX(x1, dlopenMode, 0))
	a.a64Lit(a64LdrLitX(x16), "dlopen")
	a.u32(a64Blr(x16))
	// A failed load traps so it is visible in the target.
	a.a64Branch19(a64CbzX(x0), "crash")

	a64RestoreRegisters(a)
	a.u32(a64LdpOff(x0, x1, sp, a64SaveArea))
	a.u32(a64AddImm(sp, sp, a64Frame))
	a.a64Lit(a64LdrLitX(x16), "resume")
	a.u32(a64Br(x16))

	a.label("crash")
	a.u32(0xd4200020) // brk #1
	a.endText()

	a.align(8, 0)
	a.label("dlopen")
	a.u64(dlopen)
	a.label("resume")
	a.u64(resume)
	a.label("path")
	a.bytes([]byte(path)...)
	a.bytes(0)

	return assembled(op, a)
}

// a64SaveRegisters stores x2..x30 into the save area at sp. x0 and x1 were
// pushed on entry just above it.
func a64SaveRegisters(a *assembler) {
	off := 0
	for r := uint32(x2); r < x30; r += 2 {
		a.u32(a64StpOff(r, r+1, sp, off))
		off += 16
	}
	a.u32(a64StpOff(x30, xzr, sp, off))
}

func a64RestoreRegisters(a *assembler) {
	off := 0
	for r := uint32(x2); r < x30; r += 2 {
		a.u32(a64LdpOff(r, r+1, sp, off))
		off += 16
	}
	a.u32(a64LdpOff(x30, xzr, sp, off))
}

// a64MovImm loads a 64-bit immediate with movz plus movk for every further
// non-zero halfword.
func a64MovImm(a *assembler, rd uint32, v uint64) {
	a.u32(a64MovzX(rd, uint32(v&0xffff), 0))
	for hw := uint32(1); hw < 4; hw++ {
		if part := uint32(v>>(16*hw)) & 0xffff; part != 0 {
			a.u32(0xf2800000 | hw<<21 | part<<5 | rd) // movk
		}
	}
}

func a64MovzX(rd, imm, hw uint32) uint32 { return 0xd2800000 | hw<<21 | (imm&0xffff)<<5 | rd }
func a64MovzW(rd, imm, hw uint32) uint32 { return 0x52800000 | hw<<21 | (imm&0xffff)<<5 | rd }
func a64MovnX(rd, imm, hw uint32) uint32 { return 0x92800000 | hw<<21 | (imm&0xffff)<<5 | rd }

func a64LdrLitX(rt uint32) uint32 { return 0x58000000 | rt }
func a64LdrLitW(rt uint32) uint32 { return 0x18000000 | rt }
func a64CbnzW(rt uint32) uint32   { return 0x35000000 | rt }
func a64CbzX(rt uint32) uint32    { return 0xb4000000 | rt }
func a64Br(rn uint32) uint32      { return 0xd61f0000 | rn<<5 }
func a64Blr(rn uint32) uint32     { return 0xd63f0000 | rn<<5 }

func a64Ldaxrb(rt, rn uint32) uint32 { return 0x085ffc00 | rn<<5 | rt }

func a64Stxrb(rs, rt, rn uint32) uint32 { return 0x08007c00 | rs<<16 | rn<<5 | rt }

func a64StrW(rt, rn uint32, off uint32) uint32 { return 0xb9000000 | (off/4)<<10 | rn<<5 | rt }

func a64SubImm(rd, rn, imm uint32) uint32 { return 0xd1000000 | imm<<10 | rn<<5 | rd }
func a64AddImm(rd, rn, imm uint32) uint32 { return 0x91000000 | imm<<10 | rn<<5 | rd }

func a64Pair(base, rt, rt2, rn uint32, off int) uint32 {
	imm7 := uint32(off/8) & 0x7f // #nosec G115
	return base | imm7<<15 | rt2<<10 | rn<<5 | rt
}

func a64StpPre(rt, rt2, rn uint32, off int) uint32  { return a64Pair(0xa9800000, rt, rt2, rn, off) }
func a64StpOff(rt, rt2, rn uint32, off int) uint32  { return a64Pair(0xa9000000, rt, rt2, rn, off) }
func a64LdpOff(rt, rt2, rn uint32, off int) uint32  { return a64Pair(0xa9400000, rt, rt2, rn, off) }
func a64LdpPost(rt, rt2, rn uint32, off int) uint32 { return a64Pair(0xa8c00000, rt, rt2, rn, off) }

// a64Lit emits a pc-relative literal load of label.
func (a *assembler) a64Lit(insn uint32, label string) {
	a.a64Branch19(insn, label)
}

// a64Branch19 emits an instruction with a word offset in bits 5..23 (LDR
// literal, CBZ, CBNZ).
func (a *assembler) a64Branch19(insn uint32, label string) {
	a.ref(label, func(buf []byte, at, target int) error {
		delta := int64(target - at)
		if delta%4 != 0 || !fitsSigned(delta/4, 19) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		patchWord(buf, at, uint32(delta/4)&0x7ffff<<5) // #nosec G115
		return nil
	})
	a.u32(insn)
}

func (a *assembler) a64Branch26(label string) {
	a.ref(label, func(buf []byte, at, target int) error {
		delta := int64(target - at)
		if delta%4 != 0 || !fitsSigned(delta/4, 26) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		patchWord(buf, at, uint32(delta/4)&0x3ffffff) // #nosec G115
		return nil
	})
	a.u32(0x14000000)
}

func (a *assembler) a64Adr(rd uint32, label string) {
	a.ref(label, func(buf []byte, at, target int) error {
		delta := int64(target - at)
		if !fitsSigned(delta, 21) {
			return fmt.Errorf("offset %d out of range", delta)
		}
		imm := uint32(delta) & 0x1fffff // #nosec G115
		patchWord(buf, at, (imm&3)<<29|(imm>>2)<<5)
		return nil
	})
	a.u32(0x10000000 | rd)
}

func patchWord(buf []byte, at int, bits uint32) {
	w := uint32(buf[at]) | uint32(buf[at+1])<<8 | uint32(buf[at+2])<<16 | uint32(buf[at+3])<<24
	w |= bits
	buf[at] = byte(w)
	buf[at+1] = byte(w >> 8)
	buf[at+2] = byte(w >> 16)
	buf[at+3] = byte(w >> 24)
}
