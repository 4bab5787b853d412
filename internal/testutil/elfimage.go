package testutil

import (
	"debug/elf"
	"encoding/binary"
)

// ELFSymbol describes one dynamic symbol of a synthetic shared object.
type ELFSymbol struct {
	Name      string
	Value     uint64
	Size      uint64
	Type      elf.SymType
	Undefined bool
}

// ELFOptions tunes BuildSharedObject.
type ELFOptions struct {
	// Machine defaults to EM_X86_64.
	Machine elf.Machine
	// Size is the total image size, default 0x3000.
	Size int
	// Relocate is added to every d_ptr entry of the dynamic section, the way
	// glibc rewrites it in place after loading.
	Relocate uint64
	// GNUHash emits DT_GNU_HASH instead of DT_HASH.
	GNUHash bool
	// NoHash omits both hash tables.
	NoHash bool
}

// Layout offsets of a synthetic shared object. The single PT_LOAD maps the
// file at vaddr == offset.
const (
	ELFSymtabOffset = 0x100
	elf64SymSize    = 24
	elf64DynSize    = 16
	elf64PhdrSize   = 56
)

// BuildSharedObject returns a minimal little-endian ELF64 ET_DYN image with
// a PT_LOAD, a PT_DYNAMIC and a dynamic symbol table. There are no section
// headers, like the part of a shared object a process actually maps.
func BuildSharedObject(symbols []ELFSymbol, opts ELFOptions) []byte {
	if opts.Machine == 0 {
		opts.Machine = elf.EM_X86_64
	}
	if opts.Size == 0 {
		opts.Size = 0x3000
	}

	// GNU hash requires undefined symbols ahead of the hashed ones.
	var ordered []ELFSymbol
	for _, s := range symbols {
		if s.Undefined {
			ordered = append(ordered, s)
		}
	}
	undefined := len(ordered)
	for _, s := range symbols {
		if !s.Undefined {
			ordered = append(ordered, s)
		}
	}
	nsyms := len(ordered) + 1

	le := binary.LittleEndian
	img := make([]byte, opts.Size)

	// String table.
	strtab := []byte{0}
	nameOff := make([]uint32, len(ordered))
	for i, s := range ordered {
		nameOff[i] = uint32(len(strtab)) // #nosec G115
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}

	symtabOff := uint64(ELFSymtabOffset)
	strtabOff := symtabOff + uint64(nsyms*elf64SymSize)
	hashOff := align(strtabOff+uint64(len(strtab)), 8)

	var hash []byte
	switch {
	case opts.NoHash:
	case opts.GNUHash:
		symoffset := uint32(1 + undefined)          // #nosec G115
		defined := uint32(len(ordered) - undefined) // #nosec G115
		hash = make([]byte, 16+8+4+4*int(defined))
		le.PutUint32(hash[0:], 1) // nbuckets
		le.PutUint32(hash[4:], symoffset)
		le.PutUint32(hash[8:], 1)  // bloom size
		le.PutUint32(hash[12:], 6) // bloom shift
		le.PutUint64(hash[16:], ^uint64(0))
		if defined > 0 {
			le.PutUint32(hash[24:], symoffset)
		}
		for i := uint32(0); i < defined; i++ {
			v := uint32(0x1000+i) &^ 1
			if i == defined-1 {
				v |= 1
			}
			le.PutUint32(hash[28+4*i:], v)
		}
	default:
		hash = make([]byte, 4*(2+1+nsyms))
		le.PutUint32(hash[0:], 1)             // nbucket
		le.PutUint32(hash[4:], uint32(nsyms)) // #nosec G115
		if nsyms > 1 {
			le.PutUint32(hash[8:], 1)
		}
		for i := 1; i < nsyms; i++ {
			next := uint32(i + 1) // #nosec G115
			if i == nsyms-1 {
				next = 0
			}
			le.PutUint32(hash[12+4*i:], next)
		}
	}

	dynOff := align(hashOff+uint64(len(hash)), 16)

	// Symbols.
	for i, s := range ordered {
		off := symtabOff + uint64((i+1)*elf64SymSize)
		le.PutUint32(img[off:], nameOff[i])
		typ := s.Type
		if typ == 0 && !s.Undefined {
			typ = elf.STT_FUNC
		}
		img[off+4] = byte(elf.STB_GLOBAL)<<4 | byte(typ)&0xf
		if !s.Undefined {
			le.PutUint16(img[off+6:], 1)
			le.PutUint64(img[off+8:], s.Value)
			le.PutUint64(img[off+16:], s.Size)
		}
	}
	copy(img[strtabOff:], strtab)
	copy(img[hashOff:], hash)

	// Dynamic section.
	dyn := [][2]uint64{
		{uint64(elf.DT_SYMTAB), symtabOff + opts.Relocate},
		{uint64(elf.DT_STRTAB), strtabOff + opts.Relocate},
		{uint64(elf.DT_STRSZ), uint64(len(strtab))},
		{uint64(elf.DT_SYMENT), elf64SymSize},
	}
	switch {
	case opts.NoHash:
	case opts.GNUHash:
		dyn = append(dyn, [2]uint64{uint64(elf.DT_GNU_HASH), hashOff + opts.Relocate})
	default:
		dyn = append(dyn, [2]uint64{uint64(elf.DT_HASH), hashOff + opts.Relocate})
	}
	dyn = append(dyn, [2]uint64{uint64(elf.DT_NULL), 0})
	for i, d := range dyn {
		off := dynOff + uint64(i*elf64DynSize)
		le.PutUint64(img[off:], d[0])
		le.PutUint64(img[off+8:], d[1])
	}
	dynSize := uint64(len(dyn) * elf64DynSize)

	// ELF header.
	copy(img, elf.ELFMAG)
	img[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	img[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	img[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(img[16:], uint16(elf.ET_DYN))
	le.PutUint16(img[18:], uint16(opts.Machine))
	le.PutUint32(img[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(img[32:], 0x40) // e_phoff
	le.PutUint16(img[52:], 64)   // e_ehsize
	le.PutUint16(img[54:], elf64PhdrSize)
	le.PutUint16(img[56:], 2) // e_phnum
	le.PutUint16(img[58:], 64)

	// PT_LOAD covering the whole image.
	ph := img[0x40:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	le.PutUint64(ph[8:], 0)
	le.PutUint64(ph[16:], 0)
	le.PutUint64(ph[24:], 0)
	le.PutUint64(ph[32:], uint64(opts.Size))
	le.PutUint64(ph[40:], uint64(opts.Size))
	le.PutUint64(ph[48:], 0x1000)

	// PT_DYNAMIC.
	ph = img[0x40+elf64PhdrSize:]
	le.PutUint32(ph[0:], uint32(elf.PT_DYNAMIC))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_W))
	le.PutUint64(ph[8:], dynOff)
	le.PutUint64(ph[16:], dynOff)
	le.PutUint64(ph[24:], dynOff)
	le.PutUint64(ph[32:], dynSize)
	le.PutUint64(ph[40:], dynSize)
	le.PutUint64(ph[48:], 8)

	return img
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
