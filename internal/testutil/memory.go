package testutil

import (
	"fmt"
	"sync"

	"github.com/coral-mesh/dlinject/internal/errors"
)

// WriteOp records one call to FakeMemory.Write.
type WriteOp struct {
	Addr uint64
	Data []byte
}

type fakeRegion struct {
	start uint64
	data  []byte
}

func (r *fakeRegion) contains(addr uint64, n int) bool {
	return addr >= r.start && addr+uint64(n) <= r.start+uint64(len(r.data))
}

// FakeMemory is an in-memory stand-in for a remote address space. Accesses
// must fall entirely inside one mapped region.
type FakeMemory struct {
	mu       sync.Mutex
	regions  []*fakeRegion
	reads    int
	writeLog []WriteOp
	closed   bool

	// OnWrite, when set, runs after every successful Write. It may call Poke
	// or Map to emulate the target reacting to the write.
	OnWrite func(addr uint64, data []byte)
}

// NewFakeMemory returns an empty address space.
func NewFakeMemory() *FakeMemory {
	return &FakeMemory{}
}

// Map adds a region holding a copy of data at start.
func (f *FakeMemory) Map(start uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions = append(f.regions, &fakeRegion{start: start, data: append([]byte(nil), data...)})
}

// MapZero adds a zero-filled region of n bytes at start.
func (f *FakeMemory) MapZero(start uint64, n int) {
	f.Map(start, make([]byte, n))
}

func (f *FakeMemory) find(addr uint64, n int) *fakeRegion {
	for _, r := range f.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

// Peek returns a copy of n bytes at addr without counting an access. It
// panics on unmapped addresses.
func (f *FakeMemory) Peek(addr uint64, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.find(addr, n)
	if r == nil {
		panic(fmt.Sprintf("testutil: peek of unmapped 0x%x+%d", addr, n))
	}
	off := addr - r.start
	return append([]byte(nil), r.data[off:off+uint64(n)]...)
}

// Poke stores data at addr without counting an access.
func (f *FakeMemory) Poke(addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.find(addr, len(data))
	if r == nil {
		panic(fmt.Sprintf("testutil: poke of unmapped 0x%x+%d", addr, len(data)))
	}
	copy(r.data[addr-r.start:], data)
}

// Read implements mem.Reader.
func (f *FakeMemory) Read(addr uint64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.closed {
		return nil, errors.Errorf(errors.ReadMemoryError, fmt.Sprintf("fake: read 0x%x", addr), "closed")
	}
	r := f.find(addr, n)
	if r == nil {
		return nil, errors.Errorf(errors.ReadMemoryError, fmt.Sprintf("fake: read 0x%x", addr), "unmapped")
	}
	off := addr - r.start
	return append([]byte(nil), r.data[off:off+uint64(n)]...), nil
}

// Write implements mem.Writer.
func (f *FakeMemory) Write(addr uint64, data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.Errorf(errors.WriteMemoryError, fmt.Sprintf("fake: write 0x%x", addr), "closed")
	}
	r := f.find(addr, len(data))
	if r == nil {
		f.mu.Unlock()
		return errors.Errorf(errors.WriteMemoryError, fmt.Sprintf("fake: write 0x%x", addr), "unmapped")
	}
	copy(r.data[addr-r.start:], data)
	f.writeLog = append(f.writeLog, WriteOp{Addr: addr, Data: append([]byte(nil), data...)})
	hook := f.OnWrite
	f.mu.Unlock()

	if hook != nil {
		hook(addr, data)
	}
	return nil
}

// Close implements mem.Memory.
func (f *FakeMemory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Reads returns the number of Read calls.
func (f *FakeMemory) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns a copy of the write log.
func (f *FakeMemory) Writes() []WriteOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WriteOp(nil), f.writeLog...)
}
