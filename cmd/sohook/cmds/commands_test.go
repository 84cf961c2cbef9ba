package cmds

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sohook/sohook/pkg/config"
	"github.com/sohook/sohook/pkg/hookdata"
	"github.com/sohook/sohook/internal/elftest"
	"github.com/sohook/sohook/pkg/session"
)

func resetFlags(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	log, logOutput, logDest = false, "", ""
	library, metadata = "", ""
	embedded, disableASLR, dynamic, verbose = false, false, true, false
	conf = &config.Config{}
}

func hookLibrary(t *testing.T) string {
	img := &elftest.Image{
		Sections: []elftest.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1100, Data: make([]byte, 0x20)},
			{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x2000, Data: []byte("hack_main\x00real_puts\x00")},
			{Name: hookdata.DefaultHookSection, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x4000, Data: elftest.Uint64s(0x401126, 3, 0x2000, 0)},
			{Name: hookdata.DefaultFuncSection, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x4080, Data: elftest.Uint64s(0x401030, 0x200a)},
		},
		Symbols: []elftest.Symbol{
			{Name: "hack_main", Value: 0x1100, Section: ".text"},
			{Name: "real_puts", Value: 0x1110, Section: ".text"},
		},
	}
	return img.WriteFile(t, "libhook.so")
}

func TestWriteHooks(t *testing.T) {
	hooks := hookdata.New()
	h := hooks.AddHook(0x401126, "hack_main", 3)
	h.FunctionAddr, h.Resolved = 0x1100, true
	hooks.AddHook(0x401000, "hack_entry", 0)

	var buf bytes.Buffer
	writeHooks(&buf, hooks)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"ADDRESS", "LENGTH", "FUNCTION", "LIBRARY", "ADDRESS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"0x401000", "0", "hack_entry", "0x0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"0x401126", "3", "hack_main", "0x1100"}, strings.Fields(lines[2]))
	assert.NotContains(t, buf.String(), "FUNC\t")
}

func TestPrintHooks(t *testing.T) {
	resetFlags(t)
	library = hookLibrary(t)

	var buf bytes.Buffer
	require.Equal(t, 0, printHooks(&buf))
	out := buf.String()
	assert.Contains(t, out, "hack_main")
	assert.Contains(t, out, "0x1100")
	assert.Contains(t, out, "real_puts")
	assert.Contains(t, out, "0x1110")

	library = ""
	assert.Equal(t, 1, printHooks(io.Discard), "no library")

	conf.Library = hookLibrary(t)
	assert.Equal(t, 0, printHooks(io.Discard), "library from config")
}

func TestSessionConfig(t *testing.T) {
	resetFlags(t)
	c := &config.Config{
		Library:     "/opt/libhook.so",
		Metadata:    "/opt/target.inj",
		DisableASLR: true,
		TargetArgs:  `-v "input file.txt"`,
	}

	cfg, err := sessionConfig("./target", nil, c)
	require.NoError(t, err)
	assert.Equal(t, "/opt/libhook.so", cfg.Library)
	assert.Equal(t, "/opt/target.inj", cfg.Metadata)
	assert.True(t, cfg.DisableASLR)
	assert.Equal(t, []string{"-v", "input file.txt"}, cfg.Args)
	assert.Equal(t, session.ModeDynamic, cfg.Mode)

	library, metadata = "./libother.so", ""
	cfg, err = sessionConfig("./target", []string{"--quiet"}, c)
	require.NoError(t, err)
	assert.Equal(t, "./libother.so", cfg.Library)
	assert.Equal(t, []string{"--quiet"}, cfg.Args)

	dynamic = false
	cfg, err = sessionConfig("./target", nil, c)
	require.NoError(t, err)
	assert.Equal(t, session.ModeStatic, cfg.Mode)

	c.TargetArgs = "`id`"
	_, err = sessionConfig("./target", nil, c)
	assert.Error(t, err)
}

func TestStaticModeRejected(t *testing.T) {
	resetFlags(t)
	library = hookLibrary(t)
	dynamic = false
	exe := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(exe, nil, 0755))
	assert.Equal(t, 1, execute(exe, nil, conf))
}

func TestRunArguments(t *testing.T) {
	for _, args := range [][]string{
		{"run"},
		{"run", "./a", "./b"},
		{"run", "--", "-v"},
	} {
		resetFlags(t)
		root := New(false)
		root.SetArgs(args)
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		assert.Error(t, root.Execute(), "%q", args)
	}
}

func TestHelpHidesFlags(t *testing.T) {
	help := func(name string) string {
		resetFlags(t)
		root := New(false)
		var buf bytes.Buffer
		root.SetOut(&buf)
		root.SetArgs([]string{"help", name})
		require.NoError(t, root.Execute())
		return buf.String()
	}

	out := help("hooks")
	assert.Contains(t, out, "--so")
	assert.Contains(t, out, "--metadata")
	assert.NotContains(t, out, "--disable-aslr")

	out = help("run")
	assert.Contains(t, out, "--dynamic")
	assert.Contains(t, out, "--disable-aslr")

	out = help("version")
	assert.NotContains(t, out, "--so")
	assert.NotContains(t, out, "--verbose")
}

func TestVersion(t *testing.T) {
	resetFlags(t)
	root := New(false)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "Sohook\nVersion: 0.3.0\n"), "got %q", buf.String())
}

func TestNewCreatesConfig(t *testing.T) {
	resetFlags(t)
	New(false)
	_, err := os.Stat(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "sohook", "config.yml"))
	assert.NoError(t, err)
}
