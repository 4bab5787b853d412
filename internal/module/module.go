// Package module reconstructs images of shared objects loaded in a remote
// process and resolves their symbols to runtime addresses.
//
// A module is identified by a name prefix matched against the final path
// component of each mapping's backing file ("libc.so" matches
// "/usr/lib/libc.so.6"). Its image is rebuilt from remote memory by laying
// every matching mapping out at its file offset, which yields a flattened
// copy of the object as it sits in memory: enough to walk the dynamic
// segment and the dynamic symbol table.
package module

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/sys/mem"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
)

// MappingSource enumerates the live mappings of a target.
type MappingSource interface {
	Mappings() ([]proc.Mapping, error)
}

// Module is the reconstructed image of one loaded object.
type Module struct {
	// Name is the prefix the module was requested by.
	Name string
	// Path is the backing file of the first matching mapping.
	Path string
	// Base is the start address of the first matching mapping.
	Base uint64
	// Image holds the mapped bytes at their file offsets; gaps are zero.
	Image []byte
}

// MappingsFor returns the mappings whose backing file name starts with
// name, in enumeration order.
func MappingsFor(source MappingSource, name string) ([]proc.Mapping, error) {
	all, err := source.Mappings()
	if err != nil {
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.E(errors.RemoteProcessError, "module: enumerate mappings", err)
		}
		return nil, err
	}

	var matched []proc.Mapping
	for _, m := range all {
		if base := m.Name(); base != "" && strings.HasPrefix(base, name) {
			matched = append(matched, m)
		}
	}

	if len(matched) == 0 {
		return nil, errors.Errorf(errors.ModuleNotFound, "module: "+name, "no mapping backed by %s*", name)
	}
	return matched, nil
}

// Load rebuilds the image of the module matching name. Each mapping is
// placed at its file offset: the buffer is cut or zero-extended to the
// offset, then the mapping's bytes are appended. Mappings without read
// permission contribute zeros.
func Load(source MappingSource, memory mem.Reader, name string) (*Module, error) {
	maps, err := MappingsFor(source, name)
	if err != nil {
		return nil, err
	}

	mod := &Module{
		Name: name,
		Path: maps[0].Path,
		Base: maps[0].Start,
	}

	var image []byte
	for _, m := range maps {
		image = resize(image, m.Offset)

		size := int(m.Size()) // #nosec G115
		if !m.Read {
			image = append(image, make([]byte, size)...)
			continue
		}

		data, err := memory.Read(m.Start, size)
		if err != nil {
			return nil, errors.Step(fmt.Sprintf("module: read %s", m), err)
		}
		image = append(image, data...)
	}
	mod.Image = image

	return mod, nil
}

func resize(buf []byte, n uint64) []byte {
	if uint64(len(buf)) >= n {
		return buf[:n]
	}
	return append(buf, make([]byte, n-uint64(len(buf)))...)
}
