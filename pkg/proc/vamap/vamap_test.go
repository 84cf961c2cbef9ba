package vamap_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/pkg/proc"
	"github.com/sohook/sohook/pkg/proc/vamap"
)

const (
	testPid = 4242
	exePath = "/opt/demo/target"
	libPath = "/opt/demo/libhook.so"
)

// pie is a position independent executable with a text segment that does
// not start on a page boundary and a data segment with .bss.
var pie = []elfimg.Segment{
	{Vaddr: 0, Off: 0, Filesz: 0x628, Memsz: 0x628},
	{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x1000, Memsz: 0x1000},
	{Vaddr: 0x2000, Off: 0x2000, Filesz: 0x104, Memsz: 0x104},
	{Vaddr: 0x3df0, Off: 0x2df0, Filesz: 0x230, Memsz: 0x238},
}

const pieMaps = `555555554000-555555555000 r--p 00000000 08:01 1311 /opt/demo/target
555555555000-555555556000 r-xp 00001000 08:01 1311 /opt/demo/target
555555556000-555555557000 r--p 00002000 08:01 1311 /opt/demo/target
555555557000-555555558000 r--p 00002000 08:01 1311 /opt/demo/target
555555558000-555555559000 rw-p 00003000 08:01 1311 /opt/demo/target
555555559000-55555557a000 rw-p 00000000 00:00 0 [heap]
7ffff7fc3000-7ffff7fc4000 r--p 00000000 08:01 2201 /opt/demo/libhook.so
7ffff7fc4000-7ffff7fc5000 r-xp 00001000 08:01 2201 /opt/demo/libhook.so
7ffffffde000-7ffffffff000 rw-p 00000000 00:00 0 [stack]
`

func procFS(t *testing.T, maps string) procfs.FS {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, fmt.Sprint(testPid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0644))
	fs, err := procfs.NewFS(root)
	require.NoError(t, err)
	return fs
}

func TestLoadPIE(t *testing.T) {
	m, err := vamap.Load(procFS(t, pieMaps), testPid, exePath, pie)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x555555554000), m.Bias())
	assert.Len(t, m.Mappings(), 4)

	a, err := m.Forward(0x1139)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x555555555139), a)

	// inside .bss, past the file contents of the last segment
	a, err = m.Forward(0x4020)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x555555558020), a)

	b, err := m.Backward(0x555555555139)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1139), b)
	assert.True(t, m.Contains(0x555555556000))
	assert.False(t, m.Contains(0x555555559000))
}

func TestNonPageAlignedSegment(t *testing.T) {
	segs := []elfimg.Segment{{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x1000, Memsz: 0x1000}}
	maps := "555500001000-555500002000 r-xp 00001000 08:01 77 /opt/demo/target\n"
	m, err := vamap.Load(procFS(t, maps), testPid, exePath, segs)
	require.NoError(t, err)

	a, err := m.Forward(0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x555500001234), a)

	_, err = m.Forward(0x2000)
	assert.True(t, errors.Is(err, vamap.ErrAddressNotMapped), "got %v", err)
	assert.True(t, proc.IsKind(err, proc.ProtocolViolation))
	_, err = m.Backward(0x555500000fff)
	assert.True(t, errors.Is(err, vamap.ErrAddressNotMapped), "got %v", err)
}

func TestStaticExecutable(t *testing.T) {
	segs := []elfimg.Segment{
		{Vaddr: 0x400000, Off: 0, Filesz: 0x4e8, Memsz: 0x4e8},
		{Vaddr: 0x401000, Off: 0x1000, Filesz: 0x195, Memsz: 0x195},
	}
	maps := `00400000-00401000 r--p 00000000 08:01 99 /opt/demo/target
00401000-00402000 r-xp 00001000 08:01 99 /opt/demo/target
`
	m, err := vamap.Load(procFS(t, maps), testPid, exePath, segs)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.Bias())
	a, err := m.Forward(0x401126)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401126), a)
}

func TestLibraryFiltering(t *testing.T) {
	segs := []elfimg.Segment{
		{Vaddr: 0, Off: 0, Filesz: 0x500, Memsz: 0x500},
		{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x200, Memsz: 0x200},
	}
	m, err := vamap.Load(procFS(t, pieMaps), testPid, libPath, segs)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7ffff7fc3000), m.Bias())
	a, err := m.Forward(0x1139)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7ffff7fc4139), a)

	_, err = m.Forward(0x1200)
	assert.True(t, errors.Is(err, vamap.ErrAddressNotMapped), "got %v", err)
}

func TestSegmentMismatch(t *testing.T) {
	for name, maps := range map[string]string{
		"no entries":     "",
		"other image":    strings.ReplaceAll(pieMaps, exePath, "/opt/demo/other"),
		"missing region": strings.Replace(pieMaps, "555555557000-555555558000 r--p 00002000 08:01 1311 /opt/demo/target\n", "", 1),
		"bias disagrees": strings.Replace(pieMaps, "555555555000-555555556000 r-xp", "555555655000-555555656000 r-xp", 1),
	} {
		_, err := vamap.Load(procFS(t, maps), testPid, exePath, pie)
		assert.True(t, errors.Is(err, vamap.ErrSegmentMismatch), "%s: got %v", name, err)
	}

	_, err := vamap.Load(procFS(t, pieMaps), testPid+1, exePath, pie)
	assert.True(t, proc.IsKind(err, proc.TransientIOError), "got %v", err)
}

func TestRoundTrip(t *testing.T) {
	m, err := vamap.Load(procFS(t, pieMaps), testPid, exePath, pie)
	require.NoError(t, err)
	for _, mm := range m.Mappings() {
		for a := mm.ImageStart; a < mm.ImageEnd; a += 0x7f {
			fwd, err := m.Forward(a)
			require.NoError(t, err)
			back, err := m.Backward(fwd)
			require.NoError(t, err)
			again, err := m.Forward(back)
			require.NoError(t, err)
			assert.Equal(t, fwd, again)
			assert.Equal(t, a, back)
		}
	}
}
