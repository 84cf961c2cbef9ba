package session_test

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/pkg/hookdata"
	"github.com/sohook/sohook/internal/elftest"
	"github.com/sohook/sohook/pkg/proc"
	"github.com/sohook/sohook/pkg/session"
)

func hookLibrary(t *testing.T) string {
	img := &elftest.Image{
		Sections: []elftest.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1100, Data: make([]byte, 0x20)},
			{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x2000, Data: []byte("hack_main\x00")},
			{Name: hookdata.DefaultHookSection, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x4000, Data: elftest.Uint64s(0x401126, 0, 0x2000, 0)},
		},
		Symbols: []elftest.Symbol{
			{Name: "hack_main", Value: 0x1100, Section: ".text"},
			{Name: "hack_exit", Value: 0x1110, Section: ".text"},
		},
	}
	return img.WriteFile(t, "libhook.so")
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadHooksEmbedded(t *testing.T) {
	hooks, lib, err := session.LoadHooks(&session.Config{Library: hookLibrary(t)})
	require.NoError(t, err)
	defer lib.Close()

	require.Len(t, hooks.Hooks(), 1)
	h := hooks.FindHook(0x401126)
	require.NotNil(t, h)
	assert.Equal(t, uint64(0x1100), h.FunctionAddr)
}

func TestLoadHooksMetadata(t *testing.T) {
	cfg := &session.Config{
		Library:  hookLibrary(t),
		Metadata: writeFile(t, "target.inj", "401126 = hack_main\n401200 = hack_exit, 5\n"),
	}
	hooks, lib, err := session.LoadHooks(cfg)
	require.NoError(t, err)
	lib.Close()
	assert.Len(t, hooks.Hooks(), 2)

	// both sources declare 0x401126
	cfg.Embedded = true
	_, _, err = session.LoadHooks(cfg)
	assert.True(t, proc.IsKind(err, proc.ConfigurationError), "got %v", err)
}

func TestLoadHooksErrors(t *testing.T) {
	for name, cfg := range map[string]*session.Config{
		"no library":      {},
		"missing library": {Library: filepath.Join(t.TempDir(), "missing.so")},
		"unresolved": {
			Library:  hookLibrary(t),
			Metadata: writeFile(t, "target.inj", "401126 = hack_mian\n"),
		},
		"bad section": {Library: hookLibrary(t), HookSection: ".nothere"},
	} {
		_, _, err := session.LoadHooks(cfg)
		assert.True(t, proc.IsKind(err, proc.ConfigurationError), "%s: got %v", name, err)
	}
}

func TestLaunchConfigErrors(t *testing.T) {
	lib := hookLibrary(t)

	_, err := session.Launch(&session.Config{Executable: lib, Library: lib, Mode: session.ModeStatic})
	assert.True(t, proc.IsKind(err, proc.ConfigurationError), "got %v", err)

	_, err = session.Launch(&session.Config{Executable: writeFile(t, "script.sh", "#!/bin/sh\n"), Library: lib})
	assert.True(t, errors.Is(err, elfimg.ErrInvalidFormat), "got %v", err)

	// declarations are checked before anything is started
	_, err = session.Launch(&session.Config{
		Executable: lib,
		Library:    lib,
		Metadata:   writeFile(t, "target.inj", "401126 = nothere\n"),
	})
	assert.True(t, proc.IsKind(err, proc.ConfigurationError), "got %v", err)
}
