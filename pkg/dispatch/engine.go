// Package dispatch implements the breakpoint driven control loop that
// redirects instrumented instructions of the tracee into hook functions of
// the injected library.
//
// Every hook address gets a software breakpoint. When one is hit the
// registers of the tracee are copied into a trampoline slot and the tracee
// is made to call the hook with the slot address as its only argument.
// Once the hook returns to the trampoline the, possibly modified, register
// block is loaded back. A zero return value executes the original
// instruction, any other value is an executable address to continue from.
package dispatch

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/sohook/sohook/pkg/hookdata"
	"github.com/sohook/sohook/pkg/logflags"
	"github.com/sohook/sohook/pkg/proc"
)

// redZone is the area below the stack pointer leaf functions may use
// without adjusting it.
const redZone = 128

// ErrNestingTooDeep is returned when hooks re-enter instrumented code more
// times than the trampoline has slots for.
var ErrNestingTooDeep = errors.New("too many nested hook calls")

// Translator converts addresses of one image between image and runtime
// address spaces.
type Translator interface {
	Forward(addr uint64) (uint64, error)
	Backward(addr uint64) (uint64, error)
}

// Config describes what the engine operates on.
type Config struct {
	Tracee      proc.Tracee
	Hooks       *hookdata.Set
	Breakpoints *proc.BreakpointTable
	Exe         Translator // instrumented executable
	Lib         Translator // injected library
	Trampoline  Trampoline
}

// frame is a hook call in flight.
type frame struct {
	depth int
	bp    *proc.Breakpoint
	hook  *hookdata.Hook
	fault uint64 // runtime address of the instrumented instruction
	ret   uint64 // trap address reached when the hook returns
}

// Engine is the dispatch state machine of one tracee.
type Engine struct {
	cfg    Config
	frames []*frame
	armed  bool

	// Hits counts hook invocations.
	Hits int

	log logflags.Logger
}

// New returns an engine for cfg. Breakpoints are armed by Arm or on the
// first Run.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, log: logflags.DispatchLogger()}
}

// Arm inserts and enables a breakpoint at the runtime address of every
// declared hook.
func (e *Engine) Arm() error {
	if e.armed {
		return nil
	}
	for _, h := range e.cfg.Hooks.Hooks() {
		addr, err := e.cfg.Exe.Forward(h.Addr)
		if err != nil {
			return err
		}
		if inst, err := proc.Disassemble(e.cfg.Tracee, addr); err == nil {
			e.log.Debugf("hook %s at %#x: %s", h.Function, addr, inst.Text)
			if h.Length != 0 && uint64(inst.Len) != h.Length {
				e.log.Warnf("hook %s at %#x: declared length %d, instruction %q is %d bytes", h.Function, h.Addr, h.Length, inst.Text, inst.Len)
			}
		} else {
			e.log.Debugf("hook %s at %#x: could not decode instruction: %v", h.Function, addr, err)
		}
		bp, err := e.cfg.Breakpoints.Add(addr)
		if err != nil {
			return err
		}
		if err := bp.Enable(e.cfg.Tracee); err != nil {
			return err
		}
	}
	e.armed = true
	return nil
}

// Run resumes the tracee and services breakpoint hits until it exits.
// A normal exit returns nil. Any stop the engine cannot account for is a
// ProtocolViolation, the caller is expected to kill the tracee.
func (e *Engine) Run() error {
	if err := e.Arm(); err != nil {
		return err
	}
	for {
		st, err := e.cfg.Tracee.Continue()
		if err != nil {
			return err
		}
		if !st.Stopped() {
			return e.exit(st)
		}
		done, err := e.handleStop(st)
		if err != nil || done {
			return err
		}
	}
}

// Depth returns the number of hook calls in flight.
func (e *Engine) Depth() int {
	return len(e.frames)
}

func (e *Engine) top() *frame {
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[len(e.frames)-1]
}

func (e *Engine) exit(st proc.Status) error {
	if f := e.top(); f != nil {
		return proc.ProtocolError("hook "+f.hook.Function, f.fault, fmt.Errorf("tracee %v with %d hook call(s) in flight", st, len(e.frames)))
	}
	if st.Signaled {
		return proc.ProtocolError("dispatch", 0, fmt.Errorf("tracee %v", st))
	}
	e.log.Debugf("tracee %v after %d hook call(s)", st, e.Hits)
	return nil
}

// handleStop services one stop of the tracee. done is set when the tracee
// exited while the engine was single-stepping it.
func (e *Engine) handleStop(st proc.Status) (done bool, err error) {
	regs, err := e.cfg.Tracee.Registers()
	if err != nil {
		return false, err
	}
	f := e.top()

	if st.Trapped() {
		addr := regs.PC() - proc.BreakpointSize
		if f != nil && addr == f.ret {
			return e.leave(f, regs)
		}
		if bp := e.cfg.Breakpoints.Find(addr); bp != nil && bp.Enabled {
			return false, e.enter(bp, regs)
		}
		if f == nil {
			e.log.Debugf("ignoring trap at %#x", addr)
			return false, nil
		}
		// hooks calling into the executable may land on a trap instruction
		if fn := e.cfg.Hooks.FindFunc(addr); fn != nil {
			return false, e.callback(fn, regs)
		}
		return false, proc.ProtocolError("hook "+f.hook.Function, addr, fmt.Errorf("unexpected trap"))
	}

	// or, more commonly, fault on an image address that is not mapped
	if f != nil && st.Signal == sys.SIGSEGV {
		if fn := e.cfg.Hooks.FindFunc(regs.PC()); fn != nil {
			return false, e.callback(fn, regs)
		}
	}
	return false, proc.ProtocolError("dispatch", regs.PC(), fmt.Errorf("unexpected signal %v", st.Signal))
}

// enter starts a call to the hook of bp. The breakpoint stays disabled
// while the hook runs.
func (e *Engine) enter(bp *proc.Breakpoint, regs *proc.Registers) error {
	depth := len(e.frames)
	if depth >= e.cfg.Trampoline.Depth() {
		return proc.ProtocolError("enter hook", bp.Addr, ErrNestingTooDeep)
	}
	va, err := e.cfg.Exe.Backward(bp.Addr)
	if err != nil {
		return err
	}
	hook := e.cfg.Hooks.FindHook(va)
	if hook == nil {
		return proc.ProtocolError("enter hook", bp.Addr, fmt.Errorf("no hook declared at %#x", va))
	}
	target, err := e.cfg.Lib.Forward(hook.FunctionAddr)
	if err != nil {
		return err
	}
	e.Hits++
	e.log.Debugf("hit %#x (image %#x), calling %s at %#x, depth %d", bp.Addr, va, hook.Function, target, depth)

	if err := bp.Disable(e.cfg.Tracee); err != nil {
		return err
	}

	snapshot := *regs
	snapshot.Rip = bp.Addr
	data, err := snapshot.MarshalBinary()
	if err != nil {
		return err
	}
	tr := e.cfg.Trampoline
	if err := proc.WriteFull(e.cfg.Tracee, tr.Slot(depth), data); err != nil {
		return err
	}
	if err := proc.WriteFull(e.cfg.Tracee, tr.Stub(depth), stubCode); err != nil {
		return err
	}

	call := snapshot
	call.Rip = tr.Stub(depth)
	call.Rax = target
	call.Rdi = tr.Slot(depth)
	call.Rsp = (snapshot.Rsp - redZone) &^ 0xf
	if err := e.cfg.Tracee.SetRegisters(&call); err != nil {
		return err
	}

	e.frames = append(e.frames, &frame{depth: depth, bp: bp, hook: hook, fault: bp.Addr, ret: tr.ReturnAddr(depth)})
	return nil
}

// leave finishes the hook call of f, which just trapped on its return
// address.
func (e *Engine) leave(f *frame, regs *proc.Registers) (bool, error) {
	e.frames = e.frames[:len(e.frames)-1]
	tr := e.cfg.Trampoline
	ret := regs.Rax

	if err := proc.WriteFull(e.cfg.Tracee, tr.Stub(f.depth), stubNops); err != nil {
		return false, err
	}
	data := make([]byte, proc.RegistersSize)
	if err := proc.ReadFull(e.cfg.Tracee, data, tr.Slot(f.depth)); err != nil {
		return false, err
	}
	var snapshot proc.Registers
	if err := snapshot.UnmarshalBinary(data); err != nil {
		return false, proc.ProtocolError("hook "+f.hook.Function, f.fault, err)
	}

	if ret == 0 {
		e.log.Debugf("%s returned to %#x, executing original instruction", f.hook.Function, f.fault)
		return e.stepOriginal(f, &snapshot)
	}

	target, err := e.cfg.Exe.Forward(ret)
	if err != nil {
		return false, err
	}
	e.log.Debugf("%s redirected %#x to %#x (image %#x)", f.hook.Function, f.fault, target, ret)
	snapshot.Rip = target
	if err := e.cfg.Tracee.SetRegisters(&snapshot); err != nil {
		return false, err
	}
	return false, f.bp.Enable(e.cfg.Tracee)
}

// stepOriginal executes the instrumented instruction once with the
// breakpoint disabled, then re-arms it.
func (e *Engine) stepOriginal(f *frame, snapshot *proc.Registers) (bool, error) {
	snapshot.Rip = f.fault
	if err := e.cfg.Tracee.SetRegisters(snapshot); err != nil {
		return false, err
	}
	st, err := e.cfg.Tracee.SingleStep()
	if err != nil {
		return false, err
	}
	if !st.Stopped() {
		// the original instruction ended the process
		return true, e.exit(st)
	}
	if !st.Trapped() {
		return false, proc.ProtocolError("step "+f.hook.Function+" original instruction", f.fault, fmt.Errorf("unexpected signal %v", st.Signal))
	}
	return false, f.bp.Enable(e.cfg.Tracee)
}

// callback moves a hook's call of a declared executable function to the
// function's runtime address.
func (e *Engine) callback(fn *hookdata.Func, regs *proc.Registers) error {
	target, err := e.cfg.Exe.Forward(fn.Addr)
	if err != nil {
		return err
	}
	e.log.Debugf("callback %s: %#x -> %#x", fn.Name, fn.Addr, target)
	regs.Rip = target
	return e.cfg.Tracee.SetRegisters(regs)
}
