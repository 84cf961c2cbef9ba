// Package native is the ptrace backend: it launches the instrumented
// program with the hook library preloaded and implements proc.Tracee on
// top of ptrace(2).
package native

import (
	"errors"
	"runtime"

	"github.com/sohook/sohook/pkg/logflags"
	"github.com/sohook/sohook/pkg/proc"
)

// ErrNativeBackendDisabled is returned by Launch on platforms without a
// ptrace backend.
var ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

// LaunchFlags modify how the program is started.
type LaunchFlags uint8

const (
	// LaunchDisableASLR starts the program with address space layout
	// randomization disabled.
	LaunchDisableASLR LaunchFlags = 1 << iota
)

// Process is a traced, single-threaded process.
type Process struct {
	pid int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited, detached bool

	// ttyPgrp is the process group that owned the controlling terminal
	// before the process was put in the foreground, 0 if it was not.
	ttyPgrp int

	log logflags.Logger
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	p := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.TraceeLogger(),
	}
	go p.handlePtraceFuncs()
	return p
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.pid
}

// Exited reports whether the process is gone.
func (p *Process) Exited() bool {
	return p.exited
}

func (p *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

func (p *Process) postExit() {
	if p.exited {
		return
	}
	p.exited = true
	close(p.ptraceChan)
	close(p.ptraceDoneChan)
}

func (p *Process) errExited() error {
	return proc.ErrProcessExited{Pid: p.pid}
}
