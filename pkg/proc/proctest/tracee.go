// Package proctest provides an in-memory proc.Tracee whose stops are
// scripted by the test.
package proctest

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/sohook/sohook/pkg/proc"
)

// StopFunc simulates the tracee running until its next stop. It may change
// memory and registers and returns the resulting status.
type StopFunc func(t *Tracee) proc.Status

// Tracee is a fake single-threaded tracee. Memory is sparse, unwritten
// bytes read as zero unless they are listed in Faults.
type Tracee struct {
	PID  int
	Mem  map[uint64]byte
	Regs proc.Registers

	// Script is consumed by Continue, one entry per call. An exhausted
	// script makes the tracee exit with status 0.
	Script []StopFunc
	// Step handles SingleStep; nil means "advance nothing, report SIGTRAP".
	Step StopFunc

	// Faults lists addresses whose access fails with EFAULT.
	Faults map[uint64]bool

	Continues   int
	SingleSteps int
	Killed      bool
	Log         []string
}

// New returns a fake tracee with pid 100.
func New() *Tracee {
	return &Tracee{PID: 100, Mem: make(map[uint64]byte), Faults: make(map[uint64]bool)}
}

// Poke stores data at addr without going through WriteMemory.
func (t *Tracee) Poke(addr uint64, data []byte) {
	for i, b := range data {
		t.Mem[addr+uint64(i)] = b
	}
}

// Peek returns n bytes at addr.
func (t *Tracee) Peek(addr uint64, n int) []byte {
	r := make([]byte, n)
	for i := range r {
		r[i] = t.Mem[addr+uint64(i)]
	}
	return r
}

func (t *Tracee) Pid() int { return t.PID }

func (t *Tracee) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		if t.Faults[addr+uint64(i)] {
			return i, sys.EFAULT
		}
		buf[i] = t.Mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (t *Tracee) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		if t.Faults[addr+uint64(i)] {
			return i, sys.EFAULT
		}
	}
	t.Poke(addr, data)
	t.Log = append(t.Log, fmt.Sprintf("write %#x % x", addr, data))
	return len(data), nil
}

func (t *Tracee) Continue() (proc.Status, error) {
	t.Continues++
	if t.Killed {
		return proc.Status{}, proc.ErrProcessExited{Pid: t.PID}
	}
	if len(t.Script) == 0 {
		return proc.Status{Exited: true}, nil
	}
	next := t.Script[0]
	t.Script = t.Script[1:]
	return next(t), nil
}

func (t *Tracee) SingleStep() (proc.Status, error) {
	t.SingleSteps++
	if t.Step == nil {
		return Trap(), nil
	}
	return t.Step(t), nil
}

func (t *Tracee) Registers() (*proc.Registers, error) {
	regs := t.Regs
	return &regs, nil
}

func (t *Tracee) SetRegisters(regs *proc.Registers) error {
	t.Regs = *regs
	return nil
}

func (t *Tracee) Kill() error {
	t.Killed = true
	return nil
}

// Trap is a SIGTRAP stop.
func Trap() proc.Status {
	return proc.Status{Signal: sys.SIGTRAP}
}

// Stop is a stop by sig.
func Stop(sig sys.Signal) proc.Status {
	return proc.Status{Signal: sig}
}

// HitAt returns a StopFunc that reports an INT3 executed at addr.
func HitAt(addr uint64) StopFunc {
	return func(t *Tracee) proc.Status {
		t.Regs.Rip = addr + proc.BreakpointSize
		return Trap()
	}
}
