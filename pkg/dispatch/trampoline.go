package dispatch

import (
	"github.com/sohook/sohook/pkg/proc"
)

// Trampoline page layout. The low half holds one register block per
// nesting depth, the high half one call stub per depth.
const (
	PageSize = 0x1000

	SlotSize  = 0x100
	stubsOff  = 0x800
	StubSize  = 0x10
	MaxDepth  = stubsOff / SlotSize
	returnOff = 2 // length of `call rax`
)

var (
	// stubCode is `call rax; int3`.
	stubCode = []byte{0xff, 0xd0, proc.BreakpointInstruction}
	stubNops = []byte{0x90, 0x90, 0x90}
)

// Trampoline is a read/write/execute page inside the tracee used to call
// hook functions.
type Trampoline struct {
	Base uint64
}

// MapTrampoline maps a fresh trampoline page into the stopped tracee,
// borrowing the executable bytes at addr for the mmap call.
func MapTrampoline(t proc.Tracee, addr uint64) (Trampoline, error) {
	base, err := proc.MapScratch(t, addr, PageSize)
	if err != nil {
		return Trampoline{}, proc.ProtocolError("map trampoline", addr, err)
	}
	return Trampoline{Base: base}, nil
}

// Slot returns the address of the register block used at depth.
func (tr Trampoline) Slot(depth int) uint64 {
	return tr.Base + uint64(depth)*SlotSize
}

// Stub returns the address of the call stub used at depth.
func (tr Trampoline) Stub(depth int) uint64 {
	return tr.Base + stubsOff + uint64(depth)*StubSize
}

// ReturnAddr returns the address the hook called from Stub(depth) returns
// to. It holds the stub's trap instruction.
func (tr Trampoline) ReturnAddr(depth int) uint64 {
	return tr.Stub(depth) + returnOff
}

// Depth returns how many hook calls may be in flight at once.
func (tr Trampoline) Depth() int {
	return MaxDepth
}

// Contains reports whether addr is inside the trampoline page.
func (tr Trampoline) Contains(addr uint64) bool {
	return addr >= tr.Base && addr < tr.Base+PageSize
}
