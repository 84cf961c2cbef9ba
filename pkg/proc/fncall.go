package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// syscallInstructions is `syscall; int3`.
var syscallInstructions = []byte{0x0f, 0x05, BreakpointInstruction}

// InjectSyscall makes the stopped tracee execute system call nr with up to
// six arguments. The instructions are temporarily patched in at addr, which
// must be executable; code and registers are restored before returning.
// The kernel's return value is returned, a negative errno is converted to
// an error.
func InjectSyscall(t Tracee, addr uint64, nr uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("too many syscall arguments: %d", len(args))
	}
	saved, err := t.Registers()
	if err != nil {
		return 0, err
	}
	orig := make([]byte, len(syscallInstructions))
	if err := ReadFull(t, orig, addr); err != nil {
		return 0, err
	}
	if err := WriteFull(t, addr, syscallInstructions); err != nil {
		return 0, err
	}

	regs := *saved
	var argv [6]uint64
	copy(argv[:], args)
	regs.Rax = nr
	regs.Orig_rax = ^uint64(0)
	regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9 = argv[0], argv[1], argv[2], argv[3], argv[4], argv[5]
	regs.Rip = addr
	if err := t.SetRegisters(&regs); err != nil {
		return 0, err
	}

	st, err := t.Continue()
	if err != nil {
		return 0, err
	}
	if !st.Trapped() {
		return 0, ProtocolError("inject syscall", addr, fmt.Errorf("unexpected stop: %v", st))
	}
	after, err := t.Registers()
	if err != nil {
		return 0, err
	}
	if after.PC() != addr+uint64(len(syscallInstructions)) {
		return 0, ProtocolError("inject syscall", addr, fmt.Errorf("trapped at %#x instead", after.PC()))
	}
	ret := after.Rax

	if err := WriteFull(t, addr, orig); err != nil {
		return 0, err
	}
	if err := t.SetRegisters(saved); err != nil {
		return 0, err
	}
	if errno := -int64(ret); errno > 0 && errno < 4096 {
		return 0, fmt.Errorf("syscall %d: %w", nr, sys.Errno(errno))
	}
	return ret, nil
}

// MapScratch maps an anonymous read/write/execute region of size bytes
// inside the tracee by injecting mmap(2) at addr, and returns its address.
func MapScratch(t Tracee, addr uint64, size uint64) (uint64, error) {
	return InjectSyscall(t, addr, sys.SYS_MMAP,
		0, size,
		sys.PROT_READ|sys.PROT_WRITE|sys.PROT_EXEC,
		sys.MAP_PRIVATE|sys.MAP_ANONYMOUS,
		^uint64(0), 0)
}
