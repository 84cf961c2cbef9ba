package proc

import (
	"fmt"
	"sort"
)

// BreakpointInstruction is the x86-64 INT3 opcode.
const BreakpointInstruction = 0xCC

// BreakpointSize is the length of BreakpointInstruction. A trap reported
// at PC means the breakpoint lives at PC-BreakpointSize.
const BreakpointSize = 1

// Breakpoint represents a physical software breakpoint. Stores the byte of
// data that was originally stored at that address.
type Breakpoint struct {
	Addr         uint64 // Address breakpoint is set for.
	OriginalData byte   // Byte replaced by the breakpoint instruction, valid while Enabled.
	Enabled      bool
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x enabled=%v", bp.Addr, bp.Enabled)
}

// Enable saves the byte at bp.Addr and replaces it with the breakpoint
// instruction. Enabling an enabled breakpoint does nothing.
func (bp *Breakpoint) Enable(mem MemoryReadWriter) error {
	if bp.Enabled {
		return nil
	}
	var orig [1]byte
	if err := ReadFull(mem, orig[:], bp.Addr); err != nil {
		return fmt.Errorf("could not read original byte: %w", err)
	}
	if err := WriteFull(mem, bp.Addr, []byte{BreakpointInstruction}); err != nil {
		return fmt.Errorf("could not write breakpoint: %w", err)
	}
	bp.OriginalData = orig[0]
	bp.Enabled = true
	return nil
}

// Disable restores the byte saved by Enable. Disabling a disabled
// breakpoint does nothing.
func (bp *Breakpoint) Disable(mem MemoryReadWriter) error {
	if !bp.Enabled {
		return nil
	}
	return bp.DisableWith(mem, bp.OriginalData)
}

// DisableWith disables the breakpoint writing b instead of the original
// byte, for when the instruction at bp.Addr must transiently become
// something else.
func (bp *Breakpoint) DisableWith(mem MemoryReadWriter, b byte) error {
	if !bp.Enabled {
		return nil
	}
	if err := WriteFull(mem, bp.Addr, []byte{b}); err != nil {
		return fmt.Errorf("could not restore original byte: %w", err)
	}
	bp.Enabled = false
	return nil
}

// BreakpointTable holds every breakpoint of a tracee. Lookups are binary
// searches; insertions only mark the table dirty and the next lookup
// re-sorts it.
type BreakpointTable struct {
	bps   []*Breakpoint
	dirty bool
}

// NewBreakpointTable returns an empty table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{}
}

// Add inserts a disabled breakpoint at addr.
func (t *BreakpointTable) Add(addr uint64) (*Breakpoint, error) {
	if t.Find(addr) != nil {
		return nil, ConfigError("add breakpoint", addr, fmt.Errorf("breakpoint already exists"))
	}
	bp := &Breakpoint{Addr: addr}
	t.bps = append(t.bps, bp)
	t.dirty = true
	return bp, nil
}

// Find returns the breakpoint at addr or nil.
func (t *BreakpointTable) Find(addr uint64) *Breakpoint {
	t.sort()
	i := sort.Search(len(t.bps), func(i int) bool { return t.bps[i].Addr >= addr })
	if i < len(t.bps) && t.bps[i].Addr == addr {
		return t.bps[i]
	}
	return nil
}

// Len returns the number of breakpoints in the table.
func (t *BreakpointTable) Len() int {
	return len(t.bps)
}

// List returns the breakpoints ordered by address.
func (t *BreakpointTable) List() []*Breakpoint {
	t.sort()
	r := make([]*Breakpoint, len(t.bps))
	copy(r, t.bps)
	return r
}

// DisableAll restores the original byte of every enabled breakpoint.
func (t *BreakpointTable) DisableAll(mem MemoryReadWriter) error {
	for _, bp := range t.bps {
		if err := bp.Disable(mem); err != nil {
			return err
		}
	}
	return nil
}

func (t *BreakpointTable) sort() {
	if !t.dirty {
		return
	}
	sort.Slice(t.bps, func(i, j int) bool { return t.bps[i].Addr < t.bps[j].Addr })
	t.dirty = false
}
