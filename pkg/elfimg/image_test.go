package elfimg_test

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/internal/elftest"
)

func testLibrary() *elftest.Image {
	return &elftest.Image{
		Type:  elf.ET_DYN,
		Entry: 0x1040,
		Progs: []elftest.Prog{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0, Vaddr: 0, Filesz: 0x2000, Memsz: 0x2000},
			{Type: elf.PT_DYNAMIC, Flags: elf.PF_R, Off: 0x2e00, Vaddr: 0x3e00, Filesz: 0x100, Memsz: 0x100},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: 0x2e00, Vaddr: 0x3e00, Filesz: 0x200, Memsz: 0x400},
		},
		Sections: []elftest.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Data: []byte{0x55, 0xc3}},
			{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x2000, Data: []byte("hook_open\x00hook_read\x00tail")},
			{Name: ".rela.dyn", Type: elf.SHT_RELA, Flags: elf.SHF_ALLOC, Addr: 0x500, Data: elftest.RelaRelative(0x4010, 0x200a)},
			{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x4100},
		},
		Symbols: []elftest.Symbol{
			{Name: "hook_open", Value: 0x1000, Section: ".text"},
			{Name: "hook_read", Value: 0x1001, Section: ".text"},
		},
	}
}

func TestOpen(t *testing.T) {
	img, err := elfimg.Open(testLibrary().WriteFile(t, "libhook.so"))
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, uint64(0x1040), img.Entry())
	assert.Equal(t, elf.ET_DYN, img.Type())

	segs := img.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(0x3e00), segs[1].Vaddr)
	assert.Equal(t, uint64(0x4200), segs[1].End())
	assert.Equal(t, uint64(0x2e00), segs[1].Off)
}

func TestOpenInvalidFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notelf")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755))
	_, err := elfimg.Open(path)
	assert.True(t, errors.Is(err, elfimg.ErrInvalidFormat), "got %v", err)

	arm := testLibrary()
	arm.Machine = elf.EM_AARCH64
	_, err = elfimg.Open(arm.WriteFile(t, "arm.so"))
	assert.True(t, errors.Is(err, elfimg.ErrInvalidFormat), "got %v", err)

	_, err = elfimg.Open(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestReadStringAt(t *testing.T) {
	img, err := elfimg.Open(testLibrary().WriteFile(t, "libhook.so"))
	require.NoError(t, err)
	defer img.Close()

	s, err := img.ReadStringAt(0x2000)
	require.NoError(t, err)
	assert.Equal(t, "hook_open", s)

	s, err = img.ReadStringAt(0x200a)
	require.NoError(t, err)
	assert.Equal(t, "hook_read", s)

	_, err = img.ReadStringAt(0x2014)
	assert.Error(t, err, "string running to the end of the section")

	_, err = img.ReadStringAt(0x9000)
	assert.True(t, errors.Is(err, elfimg.ErrNotFound), "got %v", err)

	// .bss has no file contents
	_, err = img.ReadStringAt(0x4100)
	assert.True(t, errors.Is(err, elfimg.ErrNotFound), "got %v", err)
}

func TestReadSection(t *testing.T) {
	img, err := elfimg.Open(testLibrary().WriteFile(t, "libhook.so"))
	require.NoError(t, err)
	defer img.Close()

	data, err := img.ReadSection(".text")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0xc3}, data)

	addr, ok := img.SectionAddr(".rodata")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x2000), addr)

	_, err = img.ReadSection(".sohook")
	assert.True(t, errors.Is(err, elfimg.ErrNotFound), "got %v", err)
}

func TestSymbols(t *testing.T) {
	img, err := elfimg.Open(testLibrary().WriteFile(t, "libhook.so"))
	require.NoError(t, err)
	defer img.Close()

	syms, err := img.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []elfimg.Symbol{{Name: "hook_open", Value: 0x1000}, {Name: "hook_read", Value: 0x1001}}, syms)

	v, ok := img.LookupSymbol("hook_read")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1001), v)
	_, ok = img.LookupSymbol("hook_")
	assert.False(t, ok)

	assert.Equal(t, []string{"hook_open", "hook_read"}, img.SymbolNames())
}

func TestRelativeAddend(t *testing.T) {
	img, err := elfimg.Open(testLibrary().WriteFile(t, "libhook.so"))
	require.NoError(t, err)
	defer img.Close()

	v, ok := img.RelativeAddend(0x4010)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x200a), v)
	_, ok = img.RelativeAddend(0x4018)
	assert.False(t, ok)
}
