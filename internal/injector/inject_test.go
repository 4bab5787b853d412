package injector

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/shellcode"
	"github.com/coral-mesh/dlinject/internal/testutil"
)

func TestInject_AMD64(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.simulate(0)
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.SetFuncSym("libc.so", "alloc_fn"))
	require.NoError(t, e.SetVarSym("libc.so", "sync_var"))
	require.NoError(t, e.Inject(testutil.NewTestContext(t)))

	assert.Equal(t, Done, e.State())
	assert.Equal(t, uint64(pageAddr), e.Page())
	assert.Equal(t, []string{f.payload}, f.loadedPaths())

	assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))

	assert.Equal(t, []uint64{
		slotAddr,                     // unlock
		triggerAddr + 8, triggerAddr, // bootstrap, tail first
		triggerAddr,                  // park
		triggerAddr + 8, triggerAddr, // restore trigger
		slotAddr,                     // restore slot
		pageAddr + 8, pageAddr,       // loader
	}, f.writeAddrs())

	writes := f.memory.Writes()
	assert.Equal(t, make([]byte, 8), writes[0].Data)
	assert.Equal(t, []byte{0xeb, 0xfe}, writes[3].Data, "jmp . parks the entry")
}

func TestInject_ARM64FreezesEntry(t *testing.T) {
	f := newFixture(t, elf.EM_AARCH64)
	f.simulate(0)
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))

	assert.Equal(t, Done, e.State())
	assert.Equal(t, []string{f.payload}, f.loadedPaths())
	assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))

	writes := f.memory.Writes()
	require.Len(t, writes, 9)
	assert.Equal(t, uint64(triggerAddr), writes[3].Addr)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x14}, writes[3].Data, "b . parks the entry")
	assert.Equal(t, uint64(triggerAddr+8), writes[4].Addr, "restore starts after the parked head")
}

func TestInject_FreezeModes(t *testing.T) {
	tests := []struct {
		name    string
		machine elf.Machine
		mode    string
		writes  int
	}{
		{name: "arm64 never", machine: elf.EM_AARCH64, mode: FreezeNever, writes: 8},
		{name: "amd64 always", machine: elf.EM_X86_64, mode: FreezeAlways, writes: 9},
		{name: "amd64 auto", machine: elf.EM_X86_64, mode: FreezeAuto, writes: 9},
		{name: "amd64 never", machine: elf.EM_X86_64, mode: FreezeNever, writes: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.machine)
			f.simulate(0)
			opts := testOptions(t)
			opts.FreezeEntry = tt.mode
			e := newEngine(t, f, opts)

			require.NoError(t, e.Inject(testutil.NewTestContext(t)))
			assert.Len(t, f.memory.Writes(), tt.writes)
			assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
		})
	}
}

// A thread spinning on a busy slot runs bytes past the first word; restore
// must not touch them until the entry is parked.
func TestInject_ParkPrecedesRestore(t *testing.T) {
	for _, machine := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64} {
		t.Run(machine.String(), func(t *testing.T) {
			f := newFixture(t, machine)
			f.simulate(0)
			e := newEngine(t, f, testOptions(t))

			require.NoError(t, e.Inject(testutil.NewTestContext(t)))

			builder, err := shellcode.ForMachine(machine)
			require.NoError(t, err)
			spin, err := builder.SpinTrampoline()
			require.NoError(t, err)

			writes := f.memory.Writes()
			park, tail := -1, -1
			for i, w := range writes {
				if park < 0 && w.Addr == triggerAddr && bytes.Equal(w.Data, spin.Bytes) {
					park = i
				}
				if park >= 0 && tail < 0 && w.Addr == triggerAddr+uint64(builder.WordSize()) {
					tail = i
				}
			}
			require.GreaterOrEqual(t, park, 0, "entry never parked")
			require.Greater(t, tail, park, "trigger tail not restored after parking")
			assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
		})
	}
}

func TestInject_DefaultSymbols(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.simulate(0)
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))

	trigger, _ := e.Trigger()
	slot, _ := e.Sync()
	dlopen, _ := e.Dlopen()
	assert.Equal(t, uint64(triggerAddr), trigger.Addr)
	assert.Equal(t, uint64(slotAddr), slot.Addr)
	assert.Equal(t, uint64(dlopenAddr), dlopen.Addr)
}

func TestInject_DelayedTrigger(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.simulate(30 * time.Millisecond)
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))
	assert.Equal(t, Done, e.State())
	assert.Equal(t, []string{f.payload}, f.loadedPaths())
}

func TestInject_LockedWithoutAddressKeepsPolling(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	fired := false
	f.memory.OnWrite = func(addr uint64, data []byte) {
		if addr != triggerAddr || fired {
			return
		}
		fired = true
		locked := make([]byte, 8)
		binary.LittleEndian.PutUint64(locked, shellcode.LockBit)
		f.memory.Poke(slotAddr, locked)
		time.AfterFunc(20*time.Millisecond, f.publish)
	}
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))
	assert.Equal(t, uint64(pageAddr), e.Page())
}

func TestInject_LongPathRejectedBeforeWrites(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)

	dir := t.TempDir()
	for len(dir) <= shellcode.MaxPathLen {
		dir = filepath.Join(dir, strings.Repeat("d", 200))
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	long := filepath.Join(dir, "libpayload.so")
	data, err := os.ReadFile(f.payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(long, data, 0o644))

	e := NewWithTarget(f.target, f.memory, testOptions(t))
	require.NoError(t, e.SetFilePath(long))

	err = e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShellcode)
	assert.Empty(t, f.memory.Writes())
	assert.Equal(t, Failed, e.State())
	assert.Equal(t, err, e.Err())
}

func TestInject_Timeout(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	opts := testOptions(t)
	opts.WaitTimeout = 20 * time.Millisecond
	e := newEngine(t, f, opts)

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTriggerTimeout)
	assert.Contains(t, err.Error(), "wait for trigger")

	assert.Equal(t, Failed, e.State())
	assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))

	// bootstrap, park, then restore tail and head
	addrs := f.writeAddrs()
	require.Len(t, addrs, 7)
	assert.Equal(t, []uint64{triggerAddr, triggerAddr + 8, triggerAddr, slotAddr}, addrs[3:])
	assert.Equal(t, []byte{0xeb, 0xfe}, f.memory.Writes()[3].Data)
}

func TestInject_TimeoutWithoutFreeze(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	opts := testOptions(t)
	opts.WaitTimeout = 20 * time.Millisecond
	opts.FreezeEntry = FreezeNever
	e := newEngine(t, f, opts)

	err := e.Inject(testutil.NewTestContext(t))
	assert.ErrorIs(t, err, errors.ErrTriggerTimeout)
	assert.Equal(t, []uint64{slotAddr, triggerAddr + 8, triggerAddr, triggerAddr + 8, triggerAddr, slotAddr}, f.writeAddrs())
}

func TestInject_Cancelled(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	e := newEngine(t, f, testOptions(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	err := e.Inject(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTriggerTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))
}

func TestInject_TriggerAtDeadline(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	fired := false
	f.memory.OnWrite = func(addr uint64, data []byte) {
		if addr != triggerAddr || fired {
			return
		}
		fired = true
		locked := make([]byte, 8)
		binary.LittleEndian.PutUint64(locked, shellcode.LockBit)
		f.memory.Poke(slotAddr, locked)
		time.AfterFunc(60*time.Millisecond, f.publish)
	}
	opts := testOptions(t)
	opts.WaitTimeout = 20 * time.Millisecond
	e := newEngine(t, f, opts)

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))
	assert.Equal(t, Done, e.State())
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))

	var parks int
	for _, w := range f.memory.Writes() {
		if w.Addr == triggerAddr && bytes.Equal(w.Data, []byte{0xeb, 0xfe}) {
			parks++
		}
	}
	assert.Equal(t, 1, parks, "entry parked once")
}

// The lock is taken but no page ever shows up: the grace wait ends and the
// bytes are restored anyway.
func TestInject_LockedPastGrace(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	fired := false
	f.memory.OnWrite = func(addr uint64, data []byte) {
		if addr != triggerAddr || fired {
			return
		}
		fired = true
		locked := make([]byte, 8)
		binary.LittleEndian.PutUint64(locked, shellcode.LockBit)
		f.memory.Poke(slotAddr, locked)
	}
	opts := testOptions(t)
	opts.WaitTimeout = 10 * time.Millisecond
	e := newEngine(t, f, opts)

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTriggerTimeout)
	assert.Equal(t, Failed, e.State())
	assert.Equal(t, f.origTrigger, f.memory.Peek(triggerAddr, len(f.origTrigger)))
	assert.Equal(t, f.origSlot, f.memory.Peek(slotAddr, 8))
}

func TestInject_SingleUse(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.simulate(0)
	e := newEngine(t, f, testOptions(t))

	require.NoError(t, e.Inject(testutil.NewTestContext(t)))
	writes := len(f.memory.Writes())

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.Len(t, f.memory.Writes(), writes)

	assert.ErrorIs(t, e.SetFuncSym("libc.so", "alloc_fn"), errors.ErrInvalidState)
	assert.ErrorIs(t, e.SetFilePath(f.payload), errors.ErrInvalidState)
	assert.ErrorIs(t, e.UseRawDlopen(), errors.ErrInvalidState)
}

func TestInject_AfterFailure(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	opts := testOptions(t)
	opts.WaitTimeout = 5 * time.Millisecond
	e := newEngine(t, f, opts)

	require.Error(t, e.Inject(testutil.NewTestContext(t)))
	err := e.Inject(testutil.NewTestContext(t))
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestInject_SymbolMismatch(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	other := testutil.BuildSharedObject([]testutil.ELFSymbol{
		{Name: "sync_var", Value: 0x2000, Size: 8, Type: elf.STT_OBJECT},
	}, testutil.ELFOptions{})
	testutil.MapModule(f.memory, f.maps, "/usr/lib/libother.so", 0x100000, other)

	e := newEngine(t, f, testOptions(t))
	require.NoError(t, e.SetFuncSym("libc.so", "alloc_fn"))
	require.NoError(t, e.SetVarSym("libother.so", "sync_var"))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSymbolMismatch)
	assert.Empty(t, f.memory.Writes())
}

func TestInject_ModuleNotFound(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	opts := testOptions(t)
	opts.DefaultFunction = "libmissing.so!alloc_fn"
	e := newEngine(t, f, opts)

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrModuleNotFound)
	assert.Contains(t, err.Error(), "inject: bind symbols")
	assert.Empty(t, f.memory.Writes())
}

func TestInject_NoFilePath(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	e := NewWithTarget(f.target, f.memory, testOptions(t))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFile)
}

func TestInject_UnsupportedArch(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.target.class.Machine = elf.EM_PPC64
	e := newEngine(t, f, testOptions(t))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedArch)
	assert.Empty(t, f.memory.Writes())
}

func TestInject_UndetectableClass(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.target.err = errors.Errorf(errors.UnsupportedArch, "proc: class", "bad header")
	e := newEngine(t, f, testOptions(t))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedArch)
	assert.Contains(t, err.Error(), "inject: target class")
}

func TestInject_PayloadArchMismatch(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	lib := testutil.BuildSharedObject(nil, testutil.ELFOptions{Machine: elf.EM_AARCH64})
	path := filepath.Join(t.TempDir(), "libarm.so")
	require.NoError(t, os.WriteFile(path, lib, 0o644))

	e := NewWithTarget(f.target, f.memory, testOptions(t))
	require.NoError(t, e.SetFilePath(path))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedArch)
	assert.Contains(t, err.Error(), "inject: payload")
	assert.Empty(t, f.memory.Writes())
}

func TestInject_PayloadNotELF(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	path := filepath.Join(t.TempDir(), "libtext.so")
	require.NoError(t, os.WriteFile(path, []byte("not an object"), 0o644))

	e := NewWithTarget(f.target, f.memory, testOptions(t))
	require.NoError(t, e.SetFilePath(path))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFile)
}

func TestInject_LoaderExceedsAllocation(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	opts := testOptions(t)
	opts.AllocSize = 0x40
	e := newEngine(t, f, opts)

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShellcode)
	assert.Empty(t, f.memory.Writes())
}

func TestInject_TargetGoneWhileWaiting(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.memory.OnWrite = func(addr uint64, data []byte) {
		if addr == triggerAddr {
			_ = f.memory.Close()
		}
	}
	e := newEngine(t, f, testOptions(t))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReadMemory)
	assert.Contains(t, err.Error(), "inject: poll sync slot")
	assert.Equal(t, Failed, e.State())
}

func TestInject_WriteFailure(t *testing.T) {
	f := newFixture(t, elf.EM_X86_64)
	f.memory.OnWrite = func(addr uint64, data []byte) {
		if addr == slotAddr {
			_ = f.memory.Close()
		}
	}
	e := newEngine(t, f, testOptions(t))

	err := e.Inject(testutil.NewTestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrWriteMemory)
	assert.Contains(t, err.Error(), "inject: write bootstrap")
}
