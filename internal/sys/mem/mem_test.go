package mem

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/dlinject/internal/errors"
)

func openSelf(t *testing.T) *File {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Skipping test: /proc/<pid>/mem requires Linux")
	}

	f, err := Open(os.Getpid(), zerolog.New(io.Discard))
	if err != nil {
		t.Skipf("Skipping test: cannot open own memory file: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// mapTwoRegions maps two adjacent pages with different protections so that
// the kernel keeps them as separate mappings.
func mapTwoRegions(t *testing.T) ([]byte, int) {
	t.Helper()
	pageSize := unix.Getpagesize()

	region, err := unix.Mmap(-1, 0, 2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(region) })

	require.NoError(t, unix.Mprotect(region[pageSize:], unix.PROT_READ))
	return region, pageSize
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return buf
}

func TestFile_RoundTrip(t *testing.T) {
	f := openSelf(t)
	region, pageSize := mapTwoRegions(t)
	base := uint64(uintptr(unsafe.Pointer(&region[0])))

	tests := []struct {
		name   string
		offset int
		size   int
	}{
		{name: "single byte", offset: 3, size: 1},
		{name: "word", offset: 64, size: 8},
		{name: "one page", offset: 0, size: pageSize},
		{name: "crossing mapping boundary", offset: pageSize - 100, size: 200},
		{name: "two pages", offset: 0, size: 2 * pageSize},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := pattern(tt.size, byte(i+1))
			addr := base + uint64(tt.offset)

			require.NoError(t, f.Write(addr, want))

			got, err := f.Read(addr, tt.size)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got), "read back differs from written bytes")
			assert.True(t, bytes.Equal(want, region[tt.offset:tt.offset+tt.size]), "local view differs")
		})
	}
}

func TestFile_ZeroLength(t *testing.T) {
	f := openSelf(t)

	got, err := f.Read(0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, f.Write(0, nil))
}

func TestFile_ReadUnmapped(t *testing.T) {
	f := openSelf(t)

	_, err := f.Read(0, 8)
	require.Error(t, err)
	assert.Equal(t, errors.ReadMemoryError, errors.KindOf(err))
}

func TestFile_WriteUnmapped(t *testing.T) {
	f := openSelf(t)

	err := f.Write(0, []byte{1, 2, 3, 4})
	require.Error(t, err)
	assert.Equal(t, errors.WriteMemoryError, errors.KindOf(err))
}

func TestFile_UpperHalfAddress(t *testing.T) {
	f := openSelf(t)

	_, err := f.Read(0xffffffffff600000, 8)
	require.Error(t, err)
	assert.Equal(t, errors.ReadMemoryError, errors.KindOf(err))
	assert.Contains(t, err.Error(), "beyond file offset range")

	err = f.Write(0x8000000000000000, []byte{0})
	require.Error(t, err)
	assert.Equal(t, errors.WriteMemoryError, errors.KindOf(err))
}

func TestOpen_MissingProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("Skipping test: requires Linux")
	}

	_, err := Open(-1, zerolog.New(io.Discard))
	require.Error(t, err)
	assert.Equal(t, errors.OpenMemoryError, errors.KindOf(err))
}

func TestFile_CloseTwice(t *testing.T) {
	f := openSelf(t)

	require.NoError(t, f.Close())
	assert.NoError(t, f.Close())
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/proc/42/mem", Path(42))
}
