package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Status describes the state transition reported by the tracee after it
// was resumed or single-stepped.
type Status struct {
	Exited     bool       // the tracee exited normally
	ExitStatus int        // valid if Exited
	Signaled   bool       // the tracee was terminated by Signal
	Signal     sys.Signal // stop signal, or terminating signal if Signaled
}

// Trapped reports whether the tracee is stopped by SIGTRAP.
func (s Status) Trapped() bool {
	return s.Stopped() && s.Signal == sys.SIGTRAP
}

// Stopped reports whether the tracee is still alive and stopped.
func (s Status) Stopped() bool {
	return !s.Exited && !s.Signaled
}

func (s Status) String() string {
	switch {
	case s.Exited:
		return fmt.Sprintf("exited with status %d", s.ExitStatus)
	case s.Signaled:
		return fmt.Sprintf("killed by %v", s.Signal)
	default:
		return fmt.Sprintf("stopped by %v", s.Signal)
	}
}

// Tracee is the controller's view of one traced, single-threaded process.
// Every call blocks until the tracee has reached its next state.
type Tracee interface {
	MemoryReadWriter

	// Pid returns the process ID.
	Pid() int
	// Continue resumes the tracee and waits for it to stop or exit.
	Continue() (Status, error)
	// SingleStep executes exactly one instruction and waits.
	SingleStep() (Status, error)
	// Registers returns a copy of the general purpose registers.
	Registers() (*Registers, error)
	// SetRegisters replaces the general purpose registers.
	SetRegisters(*Registers) error
	// Kill terminates the tracee if it is still alive.
	Kill() error
}

// RunUntil arms a temporary breakpoint at addr, resumes the tracee and
// disarms the breakpoint once it is hit. On return the tracee is stopped
// with its PC at addr, ready to execute the original instruction.
func RunUntil(t Tracee, addr uint64) error {
	bp := &Breakpoint{Addr: addr}
	if err := bp.Enable(t); err != nil {
		return err
	}
	st, err := t.Continue()
	if err != nil {
		return err
	}
	if !st.Stopped() {
		return ProtocolError("run until", addr, ErrProcessExited{Pid: t.Pid(), Status: st.ExitStatus})
	}
	if err := bp.Disable(t); err != nil {
		return err
	}
	if !st.Trapped() {
		return ProtocolError("run until", addr, fmt.Errorf("unexpected stop: %v", st))
	}
	regs, err := t.Registers()
	if err != nil {
		return err
	}
	if regs.PC()-BreakpointSize != addr {
		return ProtocolError("run until", addr, fmt.Errorf("trapped at %#x instead", regs.PC()-BreakpointSize))
	}
	regs.Rip = addr
	return t.SetRegisters(regs)
}
