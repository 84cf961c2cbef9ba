//go:build linux && amd64

package native

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/sohook/sohook/pkg/proc"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// Launch starts cmd[0] with arguments cmd[1:] and library preloaded through
// LD_PRELOAD, library may be empty. The process is returned stopped right
// after execve, before the dynamic loader runs. It is killed if the
// controller exits.
// When stdin is a terminal the process gets its own process group in the
// foreground of that terminal, the terminal is handed back when it exits.
func Launch(cmd []string, library string, flags LaunchFlags) (*Process, error) {
	if len(cmd) == 0 {
		return nil, proc.ConfigError("launch", 0, fmt.Errorf("no program to run"))
	}
	var (
		process *exec.Cmd
		err     error
	)

	// exec.(*Process).Start will fail if we try to send a process to
	// foreground but we are not attached to a terminal.
	foreground := isatty.IsTerminal(os.Stdin.Fd())
	ttyPgrp := 0
	if foreground {
		pgrp, err := sys.IoctlGetInt(int(os.Stdin.Fd()), sys.TIOCGPGRP)
		if err != nil {
			foreground = false
		}
		ttyPgrp = pgrp
	}

	p := newProcess(0)
	p.execPtraceFunc(func() {
		if flags&LaunchDisableASLR != 0 {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Env = preloadEnv(os.Environ(), library)
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
		err = process.Start()
	})
	if err != nil {
		p.postExit()
		return nil, proc.ConfigError("launch "+cmd[0], 0, err)
	}
	p.pid = process.Process.Pid
	if foreground {
		p.ttyPgrp = ttyPgrp
	}
	p.log = p.log.WithField("pid", p.pid)

	st, err := p.wait()
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if !st.Trapped() {
		p.Kill()
		return nil, proc.ProtocolError("launch "+cmd[0], 0, fmt.Errorf("unexpected initial stop: %v", st))
	}
	p.execPtraceFunc(func() { err = sys.PtraceSetOptions(p.pid, sys.PTRACE_O_EXITKILL) })
	if err != nil {
		p.Kill()
		return nil, proc.IOError("set ptrace options", 0, err)
	}
	p.log.Debugf("launched %s", strings.Join(cmd, " "))
	return p, nil
}

// preloadEnv returns env with library prepended to LD_PRELOAD.
func preloadEnv(env []string, library string) []string {
	if library == "" {
		return env
	}
	r := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "LD_PRELOAD="); ok {
			found = true
			if v != "" {
				kv = "LD_PRELOAD=" + library + ":" + v
			} else {
				kv = "LD_PRELOAD=" + library
			}
		}
		r = append(r, kv)
	}
	if !found {
		r = append(r, "LD_PRELOAD="+library)
	}
	return r
}

func (p *Process) wait() (proc.Status, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(p.pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return proc.Status{}, proc.IOError("wait", 0, err)
		}
		if wpid == p.pid {
			break
		}
	}
	st := waitStatus(s)
	if !st.Stopped() {
		p.log.Debugf("process %v", st)
		p.releaseTerminal()
		p.postExit()
	}
	return st, nil
}

// releaseTerminal puts the process group that owned the controlling
// terminal before Launch back in the foreground.
func (p *Process) releaseTerminal() {
	if p.ttyPgrp == 0 {
		return
	}
	if err := sys.IoctlSetPointerInt(int(os.Stdin.Fd()), sys.TIOCSPGRP, p.ttyPgrp); err != nil {
		p.log.Warnf("could not give the terminal back to process group %d: %v", p.ttyPgrp, err)
	}
	p.ttyPgrp = 0
}

func waitStatus(s sys.WaitStatus) proc.Status {
	switch {
	case s.Exited():
		return proc.Status{Exited: true, ExitStatus: s.ExitStatus()}
	case s.Signaled():
		return proc.Status{Signaled: true, Signal: s.Signal()}
	default:
		return proc.Status{Signal: s.StopSignal()}
	}
}

// Continue resumes the process without delivering the signal it stopped
// with and waits for the next stop.
func (p *Process) Continue() (proc.Status, error) {
	if p.exited {
		return proc.Status{}, p.errExited()
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceCont(p.pid, 0) })
	if err != nil {
		return proc.Status{}, proc.IOError("continue", 0, err)
	}
	return p.wait()
}

// SingleStep executes one instruction and waits.
func (p *Process) SingleStep() (proc.Status, error) {
	if p.exited {
		return proc.Status{}, p.errExited()
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(p.pid, 0) })
	if err != nil {
		return proc.Status{}, proc.IOError("single step", 0, err)
	}
	return p.wait()
}

// Registers returns the general purpose registers.
func (p *Process) Registers() (*proc.Registers, error) {
	if p.exited {
		return nil, p.errExited()
	}
	var regs sys.PtraceRegs
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(p.pid, &regs) })
	if err != nil {
		return nil, proc.IOError("get registers", 0, err)
	}
	return (*proc.Registers)(&regs), nil
}

// SetRegisters replaces the general purpose registers.
func (p *Process) SetRegisters(regs *proc.Registers) (err error) {
	if p.exited {
		return p.errExited()
	}
	p.execPtraceFunc(func() { err = sys.PtraceSetRegs(p.pid, (*sys.PtraceRegs)(regs)) })
	if err != nil {
		return proc.IOError("set registers", regs.Rip, err)
	}
	return nil
}

// ReadMemory reads len(data) bytes at addr. Pages process_vm_readv refuses
// are read through PTRACE_PEEKDATA.
func (p *Process) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if p.exited {
		return 0, p.errExited()
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err = processVmRead(p.pid, uintptr(addr), data)
	if err == nil && n == len(data) {
		return n, nil
	}
	p.execPtraceFunc(func() { n, err = sys.PtracePeekData(p.pid, uintptr(addr), data) })
	return n, err
}

// WriteMemory writes data at addr, ignoring page protections.
func (p *Process) WriteMemory(addr uint64, data []byte) (written int, err error) {
	if p.exited {
		return 0, p.errExited()
	}
	if len(data) == 0 {
		return 0, nil
	}
	p.execPtraceFunc(func() { written, err = sys.PtracePokeData(p.pid, uintptr(addr), data) })
	return written, err
}

// Kill terminates the process and reaps it.
func (p *Process) Kill() error {
	if p.exited {
		return nil
	}
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return err
	}
	for !p.exited {
		if _, err := p.wait(); err != nil {
			p.releaseTerminal()
			p.postExit()
			return err
		}
	}
	return nil
}

// Detach lets the process run on untraced. Breakpoints still armed in its
// memory are the caller's responsibility.
func (p *Process) Detach() error {
	if p.exited || p.detached {
		return nil
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid, 0) })
	if err != nil {
		return proc.IOError("detach", 0, err)
	}
	p.detached = true
	p.postExit()
	return nil
}
