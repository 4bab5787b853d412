package shellcode

import (
	"encoding/binary"
	"fmt"
)

// patchFunc rewrites the field of an instruction at offset at so that it
// refers to offset target.
type patchFunc func(buf []byte, at, target int) error

type fixup struct {
	at    int
	label string
	patch patchFunc
}

// assembler is a little-endian byte buffer with named labels. References to
// labels are recorded as fixups and resolved by finish, so code may refer
// forward to literals placed after it.
type assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
	text   int
	err    error
}

func newAssembler() *assembler {
	return &assembler{labels: make(map[string]int)}
}

func (a *assembler) pc() int {
	return len(a.buf)
}

func (a *assembler) label(name string) {
	if _, ok := a.labels[name]; ok {
		a.fail(fmt.Errorf("label %q defined twice", name))
		return
	}
	a.labels[name] = a.pc()
}

func (a *assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *assembler) bytes(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *assembler) u32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *assembler) u64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// ref records a fixup at the current offset. It must be called before the
// bytes of the referring field are emitted.
func (a *assembler) ref(label string, patch patchFunc) {
	a.fixups = append(a.fixups, fixup{at: a.pc(), label: label, patch: patch})
}

func (a *assembler) align(n int, pad byte) {
	for a.pc()%n != 0 {
		a.buf = append(a.buf, pad)
	}
}

// endText marks the end of the instruction stream; data follows.
func (a *assembler) endText() {
	a.text = a.pc()
}

func (a *assembler) finish() (Blob, error) {
	if a.err != nil {
		return Blob{}, a.err
	}
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return Blob{}, fmt.Errorf("undefined label %q", f.label)
		}
		if err := f.patch(a.buf, f.at, target); err != nil {
			return Blob{}, fmt.Errorf("fixup %q at 0x%x: %w", f.label, f.at, err)
		}
	}

	text := a.text
	if text == 0 {
		text = len(a.buf)
	}
	return Blob{Bytes: a.buf, Text: text}, nil
}

func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}
