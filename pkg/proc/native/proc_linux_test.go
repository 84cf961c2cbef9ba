//go:build linux && amd64

package native

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/sohook/sohook/pkg/proc"
)

func launchTrue(t *testing.T) *Process {
	t.Helper()
	const program = "/bin/true"
	if _, err := os.Stat(program); err != nil {
		t.Skipf("%s not available", program)
	}
	p, err := Launch([]string{program}, "", 0)
	if errors.Is(err, sys.EPERM) {
		t.Skip("ptrace not permitted")
	}
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })
	return p
}

func TestLaunchContinueExit(t *testing.T) {
	p := launchTrue(t)

	regs, err := p.Registers()
	require.NoError(t, err)
	assert.NotZero(t, regs.PC())
	assert.NotZero(t, regs.SP())

	st, err := p.Continue()
	require.NoError(t, err)
	assert.True(t, st.Exited, "got %v", st)
	assert.Equal(t, 0, st.ExitStatus)
	assert.True(t, p.Exited())

	_, err = p.Continue()
	var exited proc.ErrProcessExited
	assert.True(t, errors.As(err, &exited), "got %v", err)
}

func TestSingleStepAndMemory(t *testing.T) {
	p := launchTrue(t)

	regs, err := p.Registers()
	require.NoError(t, err)
	pc := regs.PC()

	insn, err := proc.Disassemble(p, pc)
	require.NoError(t, err)
	st, err := p.SingleStep()
	require.NoError(t, err)
	assert.True(t, st.Trapped(), "got %v", st)

	regs, err = p.Registers()
	require.NoError(t, err)
	assert.NotEqual(t, pc, regs.PC(), "%v did not move the PC", insn.Text)

	// the stack is writable scratch space at this point
	addr := regs.SP() - 64
	require.NoError(t, proc.WriteFull(p, addr, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	buf := make([]byte, 9)
	require.NoError(t, proc.ReadFull(p, buf, addr))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, buf)

	// text is read-only for the process but not for the tracer
	orig := make([]byte, 1)
	require.NoError(t, proc.ReadFull(p, orig, regs.PC()))
	require.NoError(t, proc.WriteFull(p, regs.PC(), []byte{proc.BreakpointInstruction}))
	require.NoError(t, proc.WriteFull(p, regs.PC(), orig))
}

func TestSetRegisters(t *testing.T) {
	p := launchTrue(t)

	regs, err := p.Registers()
	require.NoError(t, err)
	saved := *regs
	regs.R12 = 0xdeadbeef
	require.NoError(t, p.SetRegisters(regs))
	got, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), got.R12)
	require.NoError(t, p.SetRegisters(&saved))
}

func TestMapScratch(t *testing.T) {
	p := launchTrue(t)

	regs, err := p.Registers()
	require.NoError(t, err)
	page, err := proc.MapScratch(p, regs.PC(), 0x1000)
	require.NoError(t, err)
	assert.Zero(t, page&0xfff)

	require.NoError(t, proc.WriteFull(p, page+0x800, []byte{0xff, 0xd0, 0xcc}))
	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, regs.PC(), after.PC())
}

func TestKill(t *testing.T) {
	p := launchTrue(t)
	require.NoError(t, p.Kill())
	assert.True(t, p.Exited())
	require.NoError(t, p.Kill())
}

func TestPreloadEnv(t *testing.T) {
	assert.Equal(t, []string{"A=1"}, preloadEnv([]string{"A=1"}, ""))
	assert.Equal(t, []string{"A=1", "LD_PRELOAD=/lib/x.so"}, preloadEnv([]string{"A=1"}, "/lib/x.so"))
	assert.Equal(t, []string{"LD_PRELOAD=/lib/x.so:/lib/y.so"}, preloadEnv([]string{"LD_PRELOAD=/lib/y.so"}, "/lib/x.so"))
	assert.Equal(t, []string{"LD_PRELOAD=/lib/x.so"}, preloadEnv([]string{"LD_PRELOAD="}, "/lib/x.so"))
}
