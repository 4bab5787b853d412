package testutil

import (
	"sync"

	"github.com/coral-mesh/dlinject/internal/sys/proc"
)

// FakeMappings is a scripted mapping source that counts enumerations.
type FakeMappings struct {
	mu    sync.Mutex
	maps  []proc.Mapping
	calls int

	// Err, when set, is returned by every Mappings call.
	Err error
}

// NewFakeMappings returns a source that reports maps.
func NewFakeMappings(maps ...proc.Mapping) *FakeMappings {
	return &FakeMappings{maps: maps}
}

// Add appends a mapping.
func (f *FakeMappings) Add(m proc.Mapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps = append(f.maps, m)
}

// Mappings implements module.MappingSource.
func (f *FakeMappings) Mappings() ([]proc.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]proc.Mapping(nil), f.maps...), nil
}

// Calls returns how many times Mappings was called.
func (f *FakeMappings) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MapModule maps image into mem at base as a single readable mapping backed
// by path and registers it with maps.
func MapModule(mem *FakeMemory, maps *FakeMappings, path string, base uint64, image []byte) {
	mem.Map(base, image)
	maps.Add(proc.Mapping{
		Start:   base,
		End:     base + uint64(len(image)),
		Path:    path,
		Read:    true,
		Execute: true,
	})
}
