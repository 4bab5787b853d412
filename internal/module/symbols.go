package module

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/coral-mesh/dlinject/internal/sys/proc"
)

const pageSize = 0x1000

var errNoSymbol = stderrors.New("symbol not in dynamic symbol table")

// header is the subset of an ELF image the lookup walks.
type header struct {
	is64  bool
	order binary.ByteOrder
	loads []segment
	dyn   *segment
}

type segment struct {
	offset uint64
	vaddr  uint64
	filesz uint64
}

// dynamicInfo holds the DT_* values used to locate the symbol table, as
// virtual addresses relative to the object's link base.
type dynamicInfo struct {
	symtab  uint64
	strtab  uint64
	strsz   uint64
	syment  uint64
	hash    uint64
	gnuHash uint64
}

// image wraps a reconstructed module with bounds-checked accessors.
type image struct {
	data []byte
	hdr  header
}

func (im *image) u16(off uint64) (uint16, bool) {
	if off+2 > uint64(len(im.data)) {
		return 0, false
	}
	return im.hdr.order.Uint16(im.data[off:]), true
}

func (im *image) u32(off uint64) (uint32, bool) {
	if off+4 > uint64(len(im.data)) {
		return 0, false
	}
	return im.hdr.order.Uint32(im.data[off:]), true
}

func (im *image) u64(off uint64) (uint64, bool) {
	if off+8 > uint64(len(im.data)) {
		return 0, false
	}
	return im.hdr.order.Uint64(im.data[off:]), true
}

// word reads a pointer-sized value.
func (im *image) word(off uint64) (uint64, bool) {
	if im.hdr.is64 {
		return im.u64(off)
	}
	v, ok := im.u32(off)
	return uint64(v), ok
}

func parseImage(data []byte) (*image, error) {
	cls, err := proc.ReadClass(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	im := &image{data: data, hdr: header{is64: cls.Is64(), order: cls.Order}}

	var phoff uint64
	var phentsize, phnum uint16
	var ok1, ok2, ok3 bool
	if im.hdr.is64 {
		phoff, ok1 = im.u64(32)
		phentsize, ok2 = im.u16(54)
		phnum, ok3 = im.u16(56)
	} else {
		var off32 uint32
		off32, ok1 = im.u32(28)
		phoff = uint64(off32)
		phentsize, ok2 = im.u16(42)
		phnum, ok3 = im.u16(44)
	}
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("truncated ELF header")
	}

	for i := uint64(0); i < uint64(phnum); i++ {
		off := phoff + i*uint64(phentsize)
		seg, typ, ok := im.programHeader(off)
		if !ok {
			return nil, fmt.Errorf("program header %d out of image", i)
		}
		switch typ {
		case elf.PT_LOAD:
			im.hdr.loads = append(im.hdr.loads, seg)
		case elf.PT_DYNAMIC:
			s := seg
			im.hdr.dyn = &s
		}
	}

	if len(im.hdr.loads) == 0 {
		return nil, fmt.Errorf("no PT_LOAD segment")
	}
	if im.hdr.dyn == nil {
		return nil, fmt.Errorf("no PT_DYNAMIC segment")
	}
	return im, nil
}

func (im *image) programHeader(off uint64) (segment, elf.ProgType, bool) {
	typ, ok := im.u32(off)
	if !ok {
		return segment{}, 0, false
	}

	var s segment
	if im.hdr.is64 {
		var a, b, c bool
		s.offset, a = im.u64(off + 8)
		s.vaddr, b = im.u64(off + 16)
		s.filesz, c = im.u64(off + 32)
		return s, elf.ProgType(typ), a && b && c
	}

	o, a := im.u32(off + 4)
	v, b := im.u32(off + 8)
	f, c := im.u32(off + 16)
	s = segment{offset: uint64(o), vaddr: uint64(v), filesz: uint64(f)}
	return s, elf.ProgType(typ), a && b && c
}

// linkBase is the page-aligned vaddr of the first PT_LOAD; the runtime base
// of the module minus this value is the load bias.
func (im *image) linkBase() uint64 {
	return im.hdr.loads[0].vaddr &^ (pageSize - 1)
}

// fileOffset translates a link-time virtual address into an image offset.
func (im *image) fileOffset(vaddr uint64) (uint64, bool) {
	for _, s := range im.hdr.loads {
		if vaddr >= s.vaddr && vaddr < s.vaddr+s.filesz {
			return vaddr - s.vaddr + s.offset, true
		}
	}
	return 0, false
}

// dynamic reads the dynamic section. Some loaders (glibc) relocate d_ptr
// entries in place, so pointers at or above base are turned back into
// link-time addresses.
func (im *image) dynamic(base, bias uint64) (dynamicInfo, error) {
	entSize := uint64(8)
	if im.hdr.is64 {
		entSize = 16
	}
	wordSize := entSize / 2

	unrelocate := func(ptr uint64) uint64 {
		if bias != 0 && ptr >= base {
			return ptr - bias
		}
		return ptr
	}

	var info dynamicInfo
	for off := im.hdr.dyn.offset; off+entSize <= im.hdr.dyn.offset+im.hdr.dyn.filesz; off += entSize {
		tag, ok1 := im.word(off)
		val, ok2 := im.word(off + wordSize)
		if !ok1 || !ok2 {
			return info, fmt.Errorf("dynamic section out of image")
		}

		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			return info, info.check()
		case elf.DT_SYMTAB:
			info.symtab = unrelocate(val)
		case elf.DT_STRTAB:
			info.strtab = unrelocate(val)
		case elf.DT_STRSZ:
			info.strsz = val
		case elf.DT_SYMENT:
			info.syment = val
		case elf.DT_HASH:
			info.hash = unrelocate(val)
		case elf.DT_GNU_HASH:
			info.gnuHash = unrelocate(val)
		}
	}
	return info, info.check()
}

func (d dynamicInfo) check() error {
	if d.symtab == 0 || d.strtab == 0 {
		return fmt.Errorf("dynamic section lacks DT_SYMTAB/DT_STRTAB")
	}
	return nil
}

// symbolCount sizes the dynamic symbol table from DT_HASH's nchain or by
// walking DT_GNU_HASH. Without either, the string table is assumed to
// follow the symbol table directly.
func (im *image) symbolCount(d dynamicInfo, syment uint64) (uint64, error) {
	if d.hash != 0 {
		off, ok := im.fileOffset(d.hash)
		if !ok {
			return 0, fmt.Errorf("DT_HASH 0x%x outside PT_LOAD", d.hash)
		}
		n, ok := im.u32(off + 4)
		if !ok {
			return 0, fmt.Errorf("DT_HASH out of image")
		}
		return uint64(n), nil
	}

	if d.gnuHash != 0 {
		return im.gnuHashCount(d.gnuHash)
	}

	if d.strtab > d.symtab {
		return (d.strtab - d.symtab) / syment, nil
	}
	return 0, fmt.Errorf("cannot size dynamic symbol table")
}

func (im *image) gnuHashCount(vaddr uint64) (uint64, error) {
	off, ok := im.fileOffset(vaddr)
	if !ok {
		return 0, fmt.Errorf("DT_GNU_HASH 0x%x outside PT_LOAD", vaddr)
	}

	nbuckets, ok1 := im.u32(off)
	symoffset, ok2 := im.u32(off + 4)
	bloomSize, ok3 := im.u32(off + 8)
	if !ok1 || !ok2 || !ok3 {
		return 0, fmt.Errorf("DT_GNU_HASH out of image")
	}

	wordSize := uint64(4)
	if im.hdr.is64 {
		wordSize = 8
	}
	buckets := off + 16 + uint64(bloomSize)*wordSize
	chains := buckets + uint64(nbuckets)*4

	var last uint32
	for i := uint64(0); i < uint64(nbuckets); i++ {
		b, ok := im.u32(buckets + i*4)
		if !ok {
			return 0, fmt.Errorf("DT_GNU_HASH buckets out of image")
		}
		last = max(last, b)
	}
	if last < symoffset {
		return uint64(symoffset), nil
	}

	for idx := uint64(last); ; idx++ {
		h, ok := im.u32(chains + (idx-uint64(symoffset))*4)
		if !ok {
			return 0, fmt.Errorf("DT_GNU_HASH chain out of image")
		}
		if h&1 != 0 {
			return idx + 1, nil
		}
	}
}

// lookupDynamic resolves name through the dynamic segment of a module image
// mapped at base.
func lookupDynamic(data []byte, base uint64, name string) (uint64, error) {
	im, err := parseImage(data)
	if err != nil {
		return 0, err
	}

	bias := base - im.linkBase()
	d, err := im.dynamic(base, bias)
	if err != nil {
		return 0, err
	}

	syment := d.syment
	if syment == 0 {
		syment = 16
		if im.hdr.is64 {
			syment = 24
		}
	}

	count, err := im.symbolCount(d, syment)
	if err != nil {
		return 0, err
	}

	symtab, ok := im.fileOffset(d.symtab)
	if !ok {
		return 0, fmt.Errorf("DT_SYMTAB 0x%x outside PT_LOAD", d.symtab)
	}
	strtab, ok := im.fileOffset(d.strtab)
	if !ok {
		return 0, fmt.Errorf("DT_STRTAB 0x%x outside PT_LOAD", d.strtab)
	}

	for i := uint64(1); i < count; i++ {
		off := symtab + i*syment

		nameOff, shndx, value, ok := im.symbol(off)
		if !ok {
			return 0, fmt.Errorf("symbol %d out of image", i)
		}
		if shndx == uint16(elf.SHN_UNDEF) || value == 0 {
			continue
		}
		if d.strsz != 0 && uint64(nameOff) >= d.strsz {
			continue
		}
		if im.cstring(strtab+uint64(nameOff)) == name {
			return bias + value, nil
		}
	}
	return 0, errNoSymbol
}

func (im *image) symbol(off uint64) (nameOff uint32, shndx uint16, value uint64, ok bool) {
	var a, b, c bool
	nameOff, a = im.u32(off)
	if im.hdr.is64 {
		shndx, b = im.u16(off + 6)
		value, c = im.u64(off + 8)
		return nameOff, shndx, value, a && b && c
	}
	var v uint32
	v, b = im.u32(off + 4)
	shndx, c = im.u16(off + 14)
	return nameOff, shndx, uint64(v), a && b && c
}

func (im *image) cstring(off uint64) string {
	if off >= uint64(len(im.data)) {
		return ""
	}
	s := im.data[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// lookupFile resolves name from the object on disk, preferring .dynsym.
func lookupFile(f *elf.File, base uint64, name string) (uint64, error) {
	var link uint64
	found := false
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			link = p.Vaddr &^ (pageSize - 1)
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("no PT_LOAD segment")
	}

	for _, load := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Name == name && s.Section != elf.SHN_UNDEF && s.Value != 0 {
				return base - link + s.Value, nil
			}
		}
	}
	return 0, errNoSymbol
}
